package snow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Tables the execution pipeline touches.
const (
	TableScheduledScript = "sysauto_script"
	TableTrigger         = "sys_trigger"
	TableProperty        = "sys_properties"
)

// ErrNotFound is returned when a record or property does not exist.
var ErrNotFound = errors.New("record not found")

// APIError is a non-2xx response from the Table API.
type APIError struct {
	Status int
	Method string
	Path   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
}

// IsPermissionDenied reports whether err is a 401/403 from the instance.
func IsPermissionDenied(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
	}
	return false
}

// Record is a single row returned by the Table API.
type Record map[string]any

// SysID returns the record's sys_id, or "" if absent.
func (r Record) SysID() string {
	return r.String("sys_id")
}

// String returns a field as a string. Reference fields arrive as
// {"value": "...", "link": "..."} objects; the value is unwrapped.
func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["value"].(string); ok {
			return s
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// Client is an authenticated ServiceNow Table API client.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewClient creates a Table API client for the given instance.
func NewClient(baseURL, username, password string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("instance URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing instance URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

// CreateRecord inserts a row and returns the created record.
func (c *Client) CreateRecord(ctx context.Context, table string, fields map[string]any) (Record, error) {
	var rec Record
	path := "/api/now/table/" + table
	if err := c.do(ctx, http.MethodPost, path, nil, fields, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetRecord fetches a single row by sys_id.
func (c *Client) GetRecord(ctx context.Context, table, sysID string, fields []string) (Record, error) {
	var rec Record
	path := "/api/now/table/" + table + "/" + sysID
	params := url.Values{}
	if len(fields) > 0 {
		params.Set("sysparm_fields", strings.Join(fields, ","))
	}
	if err := c.do(ctx, http.MethodGet, path, params, nil, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// QueryRecords runs an encoded query against a table.
func (c *Client) QueryRecords(ctx context.Context, table, query string, fields []string, limit int) ([]Record, error) {
	params := url.Values{}
	if query != "" {
		params.Set("sysparm_query", query)
	}
	if len(fields) > 0 {
		params.Set("sysparm_fields", strings.Join(fields, ","))
	}
	if limit > 0 {
		params.Set("sysparm_limit", strconv.Itoa(limit))
	}

	var recs []Record
	path := "/api/now/table/" + table
	if err := c.do(ctx, http.MethodGet, path, params, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// UpdateRecord patches fields on an existing row.
func (c *Client) UpdateRecord(ctx context.Context, table, sysID string, fields map[string]any) (Record, error) {
	var rec Record
	path := "/api/now/table/" + table + "/" + sysID
	if err := c.do(ctx, http.MethodPatch, path, nil, fields, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteRecord removes a row by sys_id. Deleting an already-gone row
// returns ErrNotFound.
func (c *Client) DeleteRecord(ctx context.Context, table, sysID string) error {
	path := "/api/now/table/" + table + "/" + sysID
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// GetProperty looks up a sys_properties row by name.
func (c *Client) GetProperty(ctx context.Context, name string) (Record, error) {
	recs, err := c.QueryRecords(ctx, TableProperty, "name="+name, []string{"sys_id", "name", "value"}, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("property %q: %w", name, ErrNotFound)
	}
	return recs[0], nil
}

// DeleteProperty removes a sys_properties row by name. Missing
// properties are not an error.
func (c *Client) DeleteProperty(ctx context.Context, name string) error {
	rec, err := c.GetProperty(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return c.DeleteRecord(ctx, TableProperty, rec.SysID())
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("table api call")

	if resp.StatusCode == http.StatusNotFound {
		return &APIError{Status: resp.StatusCode, Method: method, Path: path, Detail: "not found"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Status: resp.StatusCode,
			Method: method,
			Path:   path,
			Detail: readErrorDetail(resp.Body),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return nil
}

// readErrorDetail extracts the message from a Table API error envelope.
func readErrorDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 8192))
	if err != nil {
		return ""
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return strings.TrimSpace(string(data))
	}
	if envelope.Error.Detail != "" {
		return envelope.Error.Message + ": " + envelope.Error.Detail
	}
	return envelope.Error.Message
}
