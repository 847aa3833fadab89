package cdp

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

// VersionInfo is the document served at /json/version by the debugger
// endpoint.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Discover fetches /json/version from a debugger HTTP endpoint such as
// "127.0.0.1:8080" or "http://127.0.0.1:8080" and returns the browser-level
// websocket URL.
func Discover(ctx context.Context, httpClient *resty.Client, endpoint string) (*VersionInfo, error) {
	if httpClient == nil {
		httpClient = resty.New()
	}

	base := strings.TrimRight(endpoint, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	var info VersionInfo
	resp, err := httpClient.R().
		SetContext(ctx).
		SetResult(&info).
		ForceContentType("application/json").
		Get(base + "/json/version")
	if err != nil {
		return nil, fmt.Errorf("discover debugger endpoint %s: %w", base, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("discover debugger endpoint %s: unexpected status %s", base, resp.Status())
	}
	if info.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("discover debugger endpoint %s: no webSocketDebuggerUrl in response", base)
	}
	return &info, nil
}
