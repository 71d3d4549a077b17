// Package catalog calls the remote catalog API with translated query parameters.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ral-facilities/datagateway-go/internal/core/httpclient"
	"github.com/ral-facilities/datagateway-go/internal/core/model"
	"github.com/ral-facilities/datagateway-go/internal/core/session"
	"github.com/ral-facilities/datagateway-go/internal/query/translate"
)

const upstream = "catalog"

// Interface is what browse handlers and lookups need from the catalog.
type Interface interface {
	Fetch(ctx context.Context, entity string, p translate.Params) ([]json.RawMessage, error)
	Count(ctx context.Context, entity string, p translate.Params) (int64, error)
	DatafileSize(ctx context.Context, id int64) (int64, error)
	DatafileCount(ctx context.Context, t model.EntityType, id int64) (int64, error)
}

type Client struct {
	logger *slog.Logger
	client *http.Client
	apiURL *url.URL
	tokens session.TokenSource
}

func New(logger *slog.Logger, client *http.Client, apiURL string, tokens session.TokenSource) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(apiURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse catalog url: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{logger: logger, client: client, apiURL: u, tokens: tokens}, nil
}

var endpoints = map[string]string{
	"investigation":  "investigations",
	"dataset":        "datasets",
	"datafile":       "datafiles",
	"instrument":     "instruments",
	"facilitycycle":  "facilitycycles",
	"study":          "studies",
	"investigations": "investigations",
	"datasets":       "datasets",
	"datafiles":      "datafiles",
	"instruments":    "instruments",
	"facilitycycles": "facilitycycles",
	"studies":        "studies",
}

// Endpoint maps an entity name, singular or plural, to its collection path.
func Endpoint(entity string) (string, error) {
	e, ok := endpoints[strings.ToLower(strings.TrimSpace(entity))]
	if !ok {
		return "", fmt.Errorf("unknown catalog entity %q", entity)
	}
	return e, nil
}

// Fetch lists entity rows. Parameters are sent in their given order.
func (c *Client) Fetch(ctx context.Context, entity string, p translate.Params) ([]json.RawMessage, error) {
	ep, err := Endpoint(entity)
	if err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	if err := c.get(ctx, ep, p, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Count drops order parameters, which the count endpoint rejects.
func (c *Client) Count(ctx context.Context, entity string, p translate.Params) (int64, error) {
	ep, err := Endpoint(entity)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := c.get(ctx, ep+"/count", p.WithoutOrder(), &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Client) Get(ctx context.Context, entity string, id int64) (json.RawMessage, error) {
	ep, err := Endpoint(entity)
	if err != nil {
		return nil, err
	}
	var row json.RawMessage
	if err := c.get(ctx, ep+"/"+strconv.FormatInt(id, 10), nil, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// DatafileSize reads the size attribute of one datafile. Older API versions
// use upper-case column names.
func (c *Client) DatafileSize(ctx context.Context, id int64) (int64, error) {
	raw, err := c.Get(ctx, "datafiles", id)
	if err != nil {
		return 0, err
	}
	var df struct {
		FileSize *int64 `json:"fileSize"`
		FILESIZE *int64 `json:"FILESIZE"`
	}
	if err := json.Unmarshal(raw, &df); err != nil {
		return 0, fmt.Errorf("decode datafile %d: %w", id, err)
	}
	switch {
	case df.FileSize != nil:
		return *df.FileSize, nil
	case df.FILESIZE != nil:
		return *df.FILESIZE, nil
	default:
		return model.UnknownValue, nil
	}
}

// DatafileCount counts datafiles under an entity. A datafile counts as one
// without a request.
func (c *Client) DatafileCount(ctx context.Context, t model.EntityType, id int64) (int64, error) {
	p := translate.Params{}
	var err error
	switch t {
	case model.EntityDatafile:
		return 1, nil
	case model.EntityDataset:
		p, err = p.Where("dataset.id", "eq", id)
	case model.EntityInvestigation:
		if p, err = p.Include("dataset"); err == nil {
			p, err = p.Where("dataset.investigation.id", "eq", id)
		}
	default:
		return 0, fmt.Errorf("datafile count: unsupported entity type %q", t)
	}
	if err != nil {
		return 0, err
	}
	return c.Count(ctx, "datafiles", p)
}

func (c *Client) get(ctx context.Context, path string, p translate.Params, out any) error {
	u := *c.apiURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + path
	u.RawQuery = p.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("catalog token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	err = httpclient.DoJSON(c.client, req, upstream, out)
	c.logger.DebugContext(ctx, "catalog request",
		"path", u.Path,
		"params", len(p),
		"duration", time.Since(start),
		"err", err)
	return err
}
