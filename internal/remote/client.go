// Package remote is the HTTP client of the vendor telemetry API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/saunalog/internal/errs"
	"github.com/and161185/saunalog/internal/model"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Vendor names the credentials this client works with.
const Vendor = "harvia"

const maxErrBody = 512

// NewHTTPClient returns an instrumented HTTP client for vendor calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Client talks to the vendor API.
type Client struct {
	http      *http.Client
	endpoints *Resolver
	pageSize  int
	now       func() time.Time
}

// New constructs a vendor client.
func New(hc *http.Client, endpoints *Resolver, pageSize int) *Client {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Client{http: hc, endpoints: endpoints, pageSize: pageSize, now: time.Now}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
}

func (c *Client) tokens(tr tokenResponse) (model.Tokens, error) {
	if tr.AccessToken == "" {
		return model.Tokens{}, fmt.Errorf("token response without access_token")
	}
	return model.Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    c.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// Login exchanges username and password for a token pair.
func (c *Client) Login(ctx context.Context, username, password string) (model.Tokens, error) {
	var tr tokenResponse
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/login", "", body, &tr); err != nil {
		return model.Tokens{}, err
	}
	return c.tokens(tr)
}

// Refresh renews the access token. The returned RefreshToken is empty when the vendor keeps the old one.
func (c *Client) Refresh(ctx context.Context, refreshToken, username string) (model.Tokens, error) {
	var tr tokenResponse
	body := map[string]string{"refresh_token": refreshToken, "username": username}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/refresh", "", body, &tr); err != nil {
		return model.Tokens{}, err
	}
	return c.tokens(tr)
}

// ListDevices returns the devices visible to the token holder.
func (c *Client) ListDevices(ctx context.Context, accessToken string) ([]model.RemoteDevice, error) {
	var resp struct {
		Devices []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/devices", accessToken, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.RemoteDevice, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		if d.ID == "" {
			continue
		}
		out = append(out, model.RemoteDevice{ExternalID: d.ID, Name: d.Name})
	}
	return out, nil
}

type logsPage struct {
	Records    []logRecord `json:"records"`
	NextCursor string      `json:"next_cursor"`
}

type logRecord struct {
	EventTime any             `json:"event_time"`
	Value     json.RawMessage `json:"value"`
}

// FetchMeasurements streams measurements of [from, to) page by page, following cursors
// until the vendor returns none. Invalid records are dropped. An error ends the sequence;
// pages yielded before it stay valid.
func (c *Client) FetchMeasurements(
	ctx context.Context, externalID, accessToken string, from, to time.Time,
) iter.Seq2[[]model.Measurement, error] {
	return func(yield func([]model.Measurement, error) bool) {
		cursor := ""
		for {
			q := url.Values{}
			q.Set("start_time", strconv.FormatInt(from.UnixMilli(), 10))
			q.Set("end_time", strconv.FormatInt(to.UnixMilli(), 10))
			q.Set("size", strconv.Itoa(c.pageSize))
			if cursor != "" {
				q.Set("cursor", cursor)
			}
			path := "/v1/devices/" + url.PathEscape(externalID) + "/logs?" + q.Encode()

			var page logsPage
			if err := c.do(ctx, http.MethodGet, path, accessToken, nil, &page); err != nil {
				yield(nil, err)
				return
			}
			ms := make([]model.Measurement, 0, len(page.Records))
			for _, rec := range page.Records {
				if m, ok := parseRecord(rec); ok {
					ms = append(ms, m)
				}
			}
			if len(ms) > 0 && !yield(ms, nil) {
				return
			}
			if page.NextCursor == "" || page.NextCursor == cursor {
				return
			}
			cursor = page.NextCursor
		}
	}
}

// parseRecord decodes one log record. Records without temperature or humidity are noise;
// a missing presence reads as zero.
func parseRecord(rec logRecord) (model.Measurement, bool) {
	ms, ok := numericValue(rec.EventTime)
	if !ok || ms <= 0 {
		return model.Measurement{}, false
	}
	fields, ok := decodeValue(rec.Value)
	if !ok {
		return model.Measurement{}, false
	}
	temp, _ := numericValue(fields["temp"])
	hum, _ := numericValue(fields["hum"])
	if temp == 0 || hum == 0 {
		return model.Measurement{}, false
	}
	presence, _ := numericValue(fields["presence"])
	return model.Measurement{
		Timestamp:   time.UnixMilli(int64(ms)).UTC(),
		Temperature: temp,
		Humidity:    hum,
		Presence:    presence,
	}, true
}

// decodeValue accepts the value blob either as an object or as a JSON-encoded string.
func decodeValue(raw json.RawMessage) (map[string]any, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false
		}
		raw = []byte(s)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}

// numericValue converts JSON numbers and numeric strings to float64.
func numericValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	ep, err := c.endpoints.Endpoint(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.APIBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.endpoints.ReportFailure()
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		if resp.StatusCode >= 500 {
			c.endpoints.ReportFailure()
		}
		return apiError(resp)
	}
	c.endpoints.ReportSuccess()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// apiError builds a RemoteAPIError from a non-2xx response.
func apiError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	msg := strings.TrimSpace(string(b))
	var payload struct {
		Error   string `json:"error"`
		Msg     string `json:"msg"`
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &payload) == nil {
		for _, m := range []string{payload.Error, payload.Msg, payload.Message} {
			if m != "" {
				msg = m
				break
			}
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &errs.RemoteAPIError{Status: resp.StatusCode, Message: msg}
}
