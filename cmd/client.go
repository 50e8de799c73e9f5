package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ussd-airtime-bot/httpapi"
)

// Long enough for a gateway that waits a full minute for the carrier.
const apiTimeout = 90 * time.Second

// apiClient sends purchase state changes to a running serve process.
type apiClient struct {
	base string
	http *http.Client
}

// newAPIClient accepts a listen address such as ":8080" or a full URL.
func newAPIClient(addr string) *apiClient {
	base := addr
	if strings.HasPrefix(base, ":") {
		base = "127.0.0.1" + base
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: apiTimeout},
	}
}

type apiResponse struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data"`
	Msg  string          `json:"msg"`
}

func (c *apiClient) post(ctx context.Context, path string, body, data any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("reach airtime server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("airtime server: %s (status %d)", out.Msg, resp.StatusCode)
	}
	if data != nil && len(out.Data) > 0 {
		if err := json.Unmarshal(out.Data, data); err != nil {
			return "", fmt.Errorf("decode response data: %w", err)
		}
	}
	return out.Msg, nil
}

func (c *apiClient) Purchase(ctx context.Context, req httpapi.PurchaseRequest) (*httpapi.PurchaseResponse, string, error) {
	var res httpapi.PurchaseResponse
	msg, err := c.post(ctx, "/api/purchases", req, &res)
	if err != nil {
		return nil, "", err
	}
	return &res, msg, nil
}

// Clear returns the number of Pending transactions marked Unknown.
func (c *apiClient) Clear(ctx context.Context, operator string) (int, error) {
	var res struct {
		Expired int `json:"expired"`
	}
	if _, err := c.post(ctx, "/api/operators/"+url.PathEscape(operator)+"/clear", struct{}{}, &res); err != nil {
		return 0, err
	}
	return res.Expired, nil
}
