package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mpataki/circuits/internal/models"
)

// Client talks to a Server. Its errors match the same sentinels as the
// local store: a 404 is storage.ErrNotFound, a 409 storage.ErrStaleWrite.
type Client struct {
	baseURL string
	http    *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ListCircuits(ctx context.Context) ([]*models.Circuit, error) {
	var out []*models.Circuit
	if err := c.do(ctx, http.MethodGet, "/api/circuits", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetCircuit(ctx context.Context, id int64) (*models.Circuit, error) {
	var out models.Circuit
	if err := c.do(ctx, http.MethodGet, circuitPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateCircuit posts c and fills in its server-assigned fields.
func (c *Client) CreateCircuit(ctx context.Context, circuit *models.Circuit) (int64, error) {
	var out models.Circuit
	if err := c.do(ctx, http.MethodPost, "/api/circuits", circuit, &out); err != nil {
		return 0, err
	}
	circuit.ID = out.ID
	circuit.CreatedAt = out.CreatedAt
	return out.ID, nil
}

// UpdateCircuit replaces the definition stored under circuit.ID.
func (c *Client) UpdateCircuit(ctx context.Context, circuit *models.Circuit) error {
	var out models.Circuit
	if err := c.do(ctx, http.MethodPut, circuitPath(circuit.ID), circuit, &out); err != nil {
		return err
	}
	circuit.CreatedAt = out.CreatedAt
	circuit.ActiveRun = out.ActiveRun
	return nil
}

func (c *Client) DeleteCircuit(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, circuitPath(id), nil, nil)
}

func (c *Client) GetSession(ctx context.Context, circuitID int64) (*models.RunSession, error) {
	var out models.RunSession
	if err := c.do(ctx, http.MethodGet, circuitPath(circuitID)+"/session", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PutSession(ctx context.Context, circuitID int64, rs models.RunSession) (*models.RunSession, error) {
	var out models.RunSession
	if err := c.do(ctx, http.MethodPut, circuitPath(circuitID)+"/session", rs, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSession(ctx context.Context, circuitID int64) error {
	return c.do(ctx, http.MethodDelete, circuitPath(circuitID)+"/session", nil, nil)
}

func (c *Client) FinishSession(ctx context.Context, circuitID int64, done models.Completion) (*models.RunRecord, error) {
	var out models.RunRecord
	if err := c.do(ctx, http.MethodPost, circuitPath(circuitID)+"/session/finish", done, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateRun(ctx context.Context, rec *models.RunRecord) (int64, error) {
	var out models.RunRecord
	if err := c.do(ctx, http.MethodPost, "/api/runs", rec, &out); err != nil {
		return 0, err
	}
	*rec = out
	return out.ID, nil
}

func (c *Client) ListRuns(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []*models.RunRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func circuitPath(id int64) string {
	return "/api/circuits/" + strconv.FormatInt(id, 10)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var dto ErrorDTO
		_ = json.Unmarshal(data, &dto)
		return statusError(resp.StatusCode, dto.Detail)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
