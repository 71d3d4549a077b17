// Package download talks to the download (cart) service and the IDS, and
// derives download-time estimates and submission limits.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ral-facilities/datagateway-go/internal/core/catalog"
	"github.com/ral-facilities/datagateway-go/internal/core/httpclient"
	"github.com/ral-facilities/datagateway-go/internal/core/model"
	"github.com/ral-facilities/datagateway-go/internal/core/session"
)

const (
	upstreamDownload = "download"
	upstreamIDS      = "ids"

	// DefaultQueryOffset lists downloads the user has not deleted.
	DefaultQueryOffset = "where download.isDeleted = false"
)

type Config struct {
	APIURL   string
	IDSURL   string
	Facility string
}

type Client struct {
	logger   *slog.Logger
	client   *http.Client
	api      *url.URL
	ids      *url.URL
	facility string
	tokens   session.TokenSource
	catalog  catalog.Interface
	validate *validator.Validate
	now      func() time.Time
}

func New(logger *slog.Logger, client *http.Client, cfg Config, tokens session.TokenSource, cat catalog.Interface) (*Client, error) {
	api, err := url.Parse(strings.TrimRight(cfg.APIURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse download api url: %w", err)
	}
	ids, err := url.Parse(strings.TrimRight(cfg.IDSURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ids url: %w", err)
	}
	if strings.TrimSpace(cfg.Facility) == "" {
		return nil, fmt.Errorf("download: facility name is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		logger:   logger,
		client:   client,
		api:      api,
		ids:      ids,
		facility: cfg.Facility,
		tokens:   tokens,
		catalog:  cat,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}, nil
}

func (c *Client) Facility() string { return c.facility }

type Cart struct {
	ID           int64             `json:"id"`
	FacilityName string            `json:"facilityName"`
	UserName     string            `json:"userName"`
	CartItems    []model.CartEntry `json:"cartItems"`
}

func (c *Client) Cart(ctx context.Context) (Cart, error) {
	var cart Cart
	err := c.do(ctx, http.MethodGet, c.api, "user/cart/"+c.facility, nil, nil, upstreamDownload, &cart)
	return cart, err
}

// AddToCart adds ids of one entity type and returns the updated cart.
func (c *Client) AddToCart(ctx context.Context, t model.EntityType, ids []int64) (Cart, error) {
	form := url.Values{}
	form.Set("items", itemList(t, ids))
	var cart Cart
	err := c.do(ctx, http.MethodPost, c.api, "user/cart/"+c.facility+"/cartItems", nil, form, upstreamDownload, &cart)
	return cart, err
}

func (c *Client) RemoveFromCart(ctx context.Context, t model.EntityType, ids []int64) (Cart, error) {
	q := url.Values{}
	q.Set("items", itemList(t, ids))
	var cart Cart
	err := c.do(ctx, http.MethodDelete, c.api, "user/cart/"+c.facility+"/cartItems", q, nil, upstreamDownload, &cart)
	return cart, err
}

func (c *Client) RemoveAll(ctx context.Context) (Cart, error) {
	q := url.Values{}
	q.Set("items", "*")
	var cart Cart
	err := c.do(ctx, http.MethodDelete, c.api, "user/cart/"+c.facility+"/cartItems", q, nil, upstreamDownload, &cart)
	return cart, err
}

func itemList(t model.EntityType, ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, string(t)+" "+strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ", ")
}

// Size resolves the byte size of an entity. Datafiles are read from the
// catalog; other types use the download service's aggregate endpoint.
func (c *Client) Size(ctx context.Context, t model.EntityType, id int64) (int64, error) {
	if t == model.EntityDatafile {
		if c.catalog == nil {
			return 0, fmt.Errorf("size of datafile %d: no catalog client", id)
		}
		return c.catalog.DatafileSize(ctx, id)
	}
	q := url.Values{}
	q.Set("facilityName", c.facility)
	q.Set("entityType", string(t))
	q.Set("entityId", strconv.FormatInt(id, 10))
	var n int64
	err := c.do(ctx, http.MethodGet, c.api, "user/getSize", q, nil, upstreamDownload, &n)
	return n, err
}

// FileCount resolves how many datafiles an entity holds.
func (c *Client) FileCount(ctx context.Context, t model.EntityType, id int64) (int64, error) {
	if t == model.EntityDatafile {
		return 1, nil
	}
	if c.catalog == nil {
		return 0, fmt.Errorf("file count of %s %d: no catalog client", t, id)
	}
	return c.catalog.DatafileCount(ctx, t, id)
}

// IsTwoLevel reports whether the IDS stages data from archive storage, in
// which case download times cannot be estimated.
func (c *Client) IsTwoLevel(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ids.JoinPath("isTwoLevel").String(), nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	var two bool
	if err := httpclient.DoJSON(c.client, req, upstreamIDS, &two); err != nil {
		return false, err
	}
	return two, nil
}

type SubmitRequest struct {
	Transport string `json:"transport" validate:"required,max=64"`
	Email     string `json:"email" validate:"omitempty,email"`
	FileName  string `json:"fileName" validate:"omitempty,max=255,excludesall=/\\"`
}

type submitResponse struct {
	FacilityName string `json:"facilityName"`
	UserName     string `json:"userName"`
	CartItems    []any  `json:"cartItems"`
	DownloadID   int64  `json:"downloadId"`
}

// Submit turns the cart into a download request and returns its id. An
// empty file name gets the facility default.
func (c *Client) Submit(ctx context.Context, r SubmitRequest) (int64, string, error) {
	if err := c.validate.Struct(r); err != nil {
		return 0, "", fmt.Errorf("invalid submit request: %w", err)
	}
	if r.FileName == "" {
		r.FileName = DefaultFileName(c.facility, c.now())
	}
	form := url.Values{}
	form.Set("transport", r.Transport)
	form.Set("email", r.Email)
	form.Set("fileName", r.FileName)
	form.Set("zipType", "ZIP")

	var out submitResponse
	if err := c.do(ctx, http.MethodPost, c.api, "user/cart/"+c.facility+"/submit", nil, form, upstreamDownload, &out); err != nil {
		return 0, "", err
	}
	c.logger.InfoContext(ctx, "cart submitted",
		"download_id", out.DownloadID,
		"transport", r.Transport,
		"file_name", r.FileName)
	return out.DownloadID, r.FileName, nil
}

// Downloads lists the user's downloads. An empty queryOffset hides deleted ones.
func (c *Client) Downloads(ctx context.Context, queryOffset string) ([]model.Download, error) {
	if strings.TrimSpace(queryOffset) == "" {
		queryOffset = DefaultQueryOffset
	}
	q := url.Values{}
	q.Set("facilityName", c.facility)
	q.Set("queryOffset", queryOffset)
	var out []model.Download
	if err := c.do(ctx, http.MethodGet, c.api, "user/downloads", q, nil, upstreamDownload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Download returns one download, or nil if the service does not know it.
func (c *Client) Download(ctx context.Context, id int64) (*model.Download, error) {
	list, err := c.Downloads(ctx, "where download.id = "+strconv.FormatInt(id, 10))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (c *Client) SetDeleted(ctx context.Context, id int64, deleted bool) error {
	form := url.Values{}
	form.Set("facilityName", c.facility)
	form.Set("value", strconv.FormatBool(deleted))
	path := "user/download/" + strconv.FormatInt(id, 10) + "/isDeleted"
	return c.do(ctx, http.MethodPut, c.api, path, nil, form, upstreamDownload, nil)
}

type TypeStatus struct {
	Disabled bool   `json:"disabled"`
	Message  string `json:"message"`
}

// TypeStatus reports whether a transport (access method) is currently usable.
func (c *Client) TypeStatus(ctx context.Context, transport string) (TypeStatus, error) {
	q := url.Values{}
	q.Set("facilityName", c.facility)
	var st TypeStatus
	err := c.do(ctx, http.MethodGet, c.api, "user/downloadType/"+url.PathEscape(transport)+"/status", q, nil, upstreamDownload, &st)
	return st, err
}

// PreparedURL is the IDS link that streams a prepared download.
func (c *Client) PreparedURL(ctx context.Context, preparedID, outname string) (string, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return "", err
	}
	u := c.ids.JoinPath("getData")
	q := url.Values{}
	q.Set("sessionId", tok)
	q.Set("preparedId", preparedID)
	q.Set("outname", outname)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", session.ErrNoToken
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("download token: %w", err)
	}
	return tok, nil
}

// do sends sessionId in the query for reads and in the form body for writes,
// as the download service expects.
func (c *Client) do(ctx context.Context, method string, base *url.URL, path string, q, form url.Values, upstream string, out any) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}
	u := base.JoinPath(path)
	if q == nil {
		q = url.Values{}
	}

	var body io.Reader
	if form != nil {
		form.Set("sessionId", tok)
		body = strings.NewReader(form.Encode())
	} else {
		q.Set("sessionId", tok)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	err = httpclient.DoJSON(c.client, req, upstream, out)
	c.logger.DebugContext(ctx, "download service request",
		"method", method,
		"path", u.Path,
		"duration", time.Since(start),
		"err", err)
	return err
}
