// Package config reads the gateway settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type LogCfg struct {
	Level   string
	Console bool
	SampleN int
}

type UpstreamCfg struct {
	Facility     string
	CatalogURL   string
	DownloadURL  string
	IDSURL       string
	SessionToken string
}

type SizeCacheCfg struct {
	Enabled   bool
	RedisAddr string
	TTL       time.Duration
	CountTTL  time.Duration
	LRUSize   int
	OpTimeout time.Duration
}

type CartCfg struct {
	LookupTimeout time.Duration
	WaitTimeout   time.Duration
	FileCountMax  int64
	TotalSizeMax  int64
}

type KafkaCfg struct {
	Brokers             []string
	CartEventsEnabled   bool
	CartEventsTopic     string
	InvalidationEnabled bool
	InvalidationTopic   string
	GroupID             string
}

type MetricsCfg struct {
	Enabled bool
	Addr    string
	Path    string
}

type Config struct {
	Addr      string
	Log       LogCfg
	Upstream  UpstreamCfg
	SizeCache SizeCacheCfg
	Cart      CartCfg
	Kafka     KafkaCfg
	Metrics   MetricsCfg
}

func FromEnv() Config {
	return Config{
		Addr: getenv("ADDR", ":8090"),
		Log: LogCfg{
			Level:   getenv("LOG_LEVEL", "info"),
			Console: getbool("LOG_CONSOLE", false),
			SampleN: getint("LOG_SAMPLE_N", 0),
		},
		Upstream: UpstreamCfg{
			Facility:     getenv("FACILITY_NAME", "LILS"),
			CatalogURL:   getenv("CATALOG_API_URL", "http://localhost:5000"),
			DownloadURL:  getenv("DOWNLOAD_API_URL", "http://localhost:8080/topcat"),
			IDSURL:       getenv("IDS_URL", "http://localhost:8181/ids"),
			SessionToken: os.Getenv("SESSION_TOKEN"),
		},
		SizeCache: SizeCacheCfg{
			Enabled:   getbool("SIZE_CACHE_ENABLED", true),
			RedisAddr: os.Getenv("REDIS_ADDR"),
			TTL:       getduration("SIZE_CACHE_TTL", 10*time.Minute),
			CountTTL:  getduration("COUNT_CACHE_TTL", time.Minute),
			LRUSize:   getint("SIZE_CACHE_LRU", 4096),
			OpTimeout: getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		},
		Cart: CartCfg{
			LookupTimeout: getduration("LOOKUP_TIMEOUT", 30*time.Second),
			WaitTimeout:   getduration("CART_WAIT_TIMEOUT", 5*time.Second),
			FileCountMax:  getint64("FILE_COUNT_MAX", -1),
			TotalSizeMax:  getint64("TOTAL_SIZE_MAX", -1),
		},
		Kafka: KafkaCfg{
			Brokers:             splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
			CartEventsEnabled:   getbool("CART_EVENTS_ENABLED", false),
			CartEventsTopic:     getenv("CART_EVENTS_TOPIC", "cart-events"),
			InvalidationEnabled: getbool("INVALIDATION_ENABLED", false),
			InvalidationTopic:   getenv("INVALIDATION_TOPIC", "catalog-changes"),
			GroupID:             getenv("KAFKA_GROUP_ID", "datagateway-size-cache"),
		},
		Metrics: MetricsCfg{
			Enabled: getbool("METRICS_ENABLED", true),
			Addr:    getenv("METRICS_ADDR", ":9090"),
			Path:    getenv("METRICS_PATH", "/metrics"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
