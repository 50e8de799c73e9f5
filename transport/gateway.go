package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const userAgent = "ussd-airtime-bot/1.0"

// Gateway dials USSD through a remote HTTP gateway that owns the SIM.
type Gateway struct {
	Name       string
	URL        string
	HTTPClient *http.Client
}

// GatewayResponse is the JSON body returned by the gateway.
// Code 0 is success; an empty Reply means the carrier did not answer.
type GatewayResponse struct {
	Code    int    `json:"code"`
	Reply   string `json:"reply"`
	Message string `json:"message"`
}

func NewGateway(name, endpoint string, wait time.Duration) *Gateway {
	return &Gateway{
		Name:       name,
		URL:        endpoint,
		HTTPClient: &http.Client{Timeout: wait},
	}
}

func (g *Gateway) Dial(ctx context.Context, command string) (string, bool, error) {
	data := url.Values{}
	data.Set("channel", g.Name)
	data.Set("ussd", command)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", false, fmt.Errorf("create request error: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		if isTimeout(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: gateway %s: %w", ErrTransportUnavailable, g.Name, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("%w: gateway %s: read body: %w", ErrTransportUnavailable, g.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("%w: gateway %s: http status %d", ErrTransportUnavailable, g.Name, resp.StatusCode)
	}

	var gwResp GatewayResponse
	if err := json.Unmarshal(bodyBytes, &gwResp); err != nil {
		return "", false, fmt.Errorf("%w: gateway %s: unmarshal response: %w", ErrTransportUnavailable, g.Name, err)
	}
	if gwResp.Code != 0 {
		return "", false, fmt.Errorf("%w: gateway %s: %s", ErrTransportUnavailable, g.Name, gwResp.Message)
	}
	reply := strings.TrimSpace(gwResp.Reply)
	return reply, reply != "", nil
}

// A client timeout means the carrier never answered within the wait.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
