// Package tusharepro is the HTTP client for the daily/event data provider.
// It speaks the provider's single-endpoint JSON protocol: every query is a
// POST of {api_name, token, params} and every response a {code, msg,
// data:{fields, items}} envelope. Transport and decoding only — retry, rate
// limiting and the watchdog live in internal/fetch.
package tusharepro

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketsync/internal/frame"
)

// Client is a provider API client.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new provider client.
func NewClient(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		log: log.With().Str("client", "tusharepro").Logger(),
	}
}

// Params are the query parameters of one API call.
type Params map[string]string

type request struct {
	APIName string `json:"api_name"`
	Token   string `json:"token"`
	Params  Params `json:"params,omitempty"`
	Fields  string `json:"fields,omitempty"`
}

type response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Fields []string `json:"fields"`
		Items  [][]any  `json:"items"`
	} `json:"data"`
}

// Query runs one API call and decodes the response into a frame. A response
// with no rows yields an empty frame, not an error.
func (c *Client) Query(api string, params Params) (*frame.Frame, error) {
	body, err := json.Marshal(request{
		APIName: api,
		Token:   c.token,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", api, err)
	}

	resp, err := c.client.Post(c.baseURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider request %s failed: %w", api, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Non-200 from the gateway; include the status text so the fetcher's
		// classifier can spot gateway disconnect messages.
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("provider returned HTTP %d for %s: %s", resp.StatusCode, api, string(raw))
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", api, err)
	}

	if decoded.Code != 0 {
		// Provider-level errors (bad token, bad params, quota) are fatal by
		// default; the classifier only retries ones whose message indicates a
		// dropped connection.
		return nil, fmt.Errorf("provider error for %s (code %d): %s", api, decoded.Code, decoded.Msg)
	}

	out := &frame.Frame{}
	if decoded.Data == nil || len(decoded.Data.Items) == 0 {
		return out, nil
	}
	out.Columns = decoded.Data.Fields
	out.Rows = decoded.Data.Items
	for i, row := range out.Rows {
		if len(row) != len(out.Columns) {
			return nil, fmt.Errorf("provider row %d of %s has %d values for %d fields",
				i, api, len(row), len(out.Columns))
		}
	}
	return out, nil
}

// QueryPage runs one page of a row-capped API call, adding the provider's
// limit/offset parameters.
func (c *Client) QueryPage(api string, params Params, limit, offset int) (*frame.Frame, error) {
	merged := make(Params, len(params)+2)
	for k, v := range params {
		merged[k] = v
	}
	merged["limit"] = fmt.Sprintf("%d", limit)
	merged["offset"] = fmt.Sprintf("%d", offset)
	return c.Query(api, merged)
}
