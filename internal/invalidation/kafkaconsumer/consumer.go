// Package kafkaconsumer applies catalog change events to the size cache.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/ral-facilities/datagateway-go/internal/core/catalog"
	"github.com/ral-facilities/datagateway-go/internal/core/model"
	obs "github.com/ral-facilities/datagateway-go/internal/core/observability"
	"github.com/ral-facilities/datagateway-go/internal/invalidation"
	mylog "github.com/ral-facilities/datagateway-go/internal/logger"
)

// Evicter is the part of the size cache the consumer drives.
type Evicter interface {
	Evict(ctx context.Context, t model.EntityType, id int64) error
	EvictCounts(ctx context.Context, entity string) error
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	cache  Evicter
	ver    *versionDedupe

	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config, logger *slog.Logger, c Evicter) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger,
		cache:  c,
		ver:    newVersionDedupe(cfg.DedupeSize),
		assign: map[int32]struct{}{},
	}
}

// Start joins the consumer group and processes events until ctx ends or
// Stop is called. It returns once the group is created.
func (c *Consumer) Start(ctx context.Context) error {
	if c.cache == nil {
		return errors.New("kafkaconsumer: size cache is required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(mylog.WithComponent(ctx, "kafka_consumer"))
	c.cancel = cancel

	h := &groupHandler{setup: c.setup, cleanup: c.cleanup, process: c.ProcessOne}

	c.logger.InfoContext(ctx, "kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				c.logger.ErrorContext(ctx, "kafka consumer group close", "err", err)
			}
		}()
		for {
			if err := group.Consume(ctx, []string{c.cfg.Topic}, h); err != nil {
				obs.IncKafkaConsumerError("consume")
				c.logger.ErrorContext(ctx, "kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
				}
			}
			if ctx.Err() != nil {
				c.logger.InfoContext(ctx, "kafka invalidation consumer shutting down")
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range group.Errors() {
			obs.IncKafkaConsumerError("group")
			c.logger.ErrorContext(ctx, "kafka group error", "err", err)
		}
	}()
	return nil
}

func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Readiness reports whether partitions are assigned, and which.
func (c *Consumer) Readiness() (ready bool, partitions []int32) {
	if !c.assigned.Load() {
		return false, nil
	}
	c.assignMu.RLock()
	defer c.assignMu.RUnlock()
	for p := range c.assign {
		partitions = append(partitions, p)
	}
	slices.Sort(partitions)
	return true, partitions
}

func (c *Consumer) setup(sess sarama.ConsumerGroupSession) {
	c.assignMu.Lock()
	defer c.assignMu.Unlock()
	c.assign = map[int32]struct{}{}
	for _, parts := range sess.Claims() {
		for _, p := range parts {
			c.assign[p] = struct{}{}
		}
	}
	c.assigned.Store(true)
}

func (c *Consumer) cleanup(sarama.ConsumerGroupSession) {
	c.assignMu.Lock()
	defer c.assignMu.Unlock()
	c.assigned.Store(false)
	c.assign = map[int32]struct{}{}
}

// ProcessOne evicts the changed entity, its parents and the counts of their
// collections. Malformed events are logged and skipped so they cannot stall
// the partition; only eviction failures are returned for redelivery.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncKafkaConsumerError("decode")
		c.logger.ErrorContext(ctx, "kafka error",
			"kind", "decode",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncKafkaConsumerError("validate")
		c.logger.WarnContext(ctx, "invalid invalidation event skipped",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"err", err)
		return nil
	}

	key := string(ev.EntityType) + ":" + strconv.FormatInt(ev.EntityID, 10)
	if !c.ver.isNew(key, ev.Version) {
		obs.ObserveInvalidation("skip_version", 0, time.Since(start), nil)
		c.logger.DebugContext(ctx, "stale invalidation version", "entity", key, "version", ev.Version)
		return nil
	}

	affected := ev.Affected()
	collections := map[string]struct{}{}
	for _, k := range affected {
		if err := c.cache.Evict(ctx, k.Type, k.ID); err != nil {
			obs.IncKafkaConsumerError("evict")
			obs.ObserveInvalidation(ev.Op, 0, time.Since(start), err)
			return fmt.Errorf("evict %s: %w", k, err)
		}
		if ep, err := catalog.Endpoint(string(k.Type)); err == nil {
			collections[ep] = struct{}{}
		}
	}
	for ep := range collections {
		if err := c.cache.EvictCounts(ctx, ep); err != nil {
			obs.IncKafkaConsumerError("evict_counts")
			obs.ObserveInvalidation(ev.Op, 0, time.Since(start), err)
			return fmt.Errorf("evict counts of %s: %w", ep, err)
		}
	}
	c.ver.record(key, ev.Version)

	obs.ObserveInvalidation(ev.Op, len(affected), time.Since(start), nil)
	c.logger.DebugContext(ctx, "invalidated entity",
		"op", ev.Op,
		"entity", key,
		"version", ev.Version,
		"evicted", len(affected))
	return nil
}
