// Package vpnapi is the HTTP client for the VPN sidecar's consumed API
// (§6): the forwarded-port endpoint (where a 401 means "not supported
// by this VPN config", not an error) and the informational public-IP
// endpoint.
//
// Grounded on original_source's gluetun.py (_fetch_and_cache_port's
// 401-as-sentinel handling) and get_public_ip-style calls, re-expressed
// against Go's net/http instead of httpx.
package vpnapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ErrNotSupported is returned by ForwardedPort when the VPN sidecar
// answers 401 — this VPN configuration does not forward ports. Callers
// must treat this as "no forwarded port", not as a failure.
var ErrNotSupported = fmt.Errorf("vpnapi: port forwarding not supported by this VPN config")

// PublicIP is the informational payload from /v1/publicip/ip. Per
// SPEC_FULL.md's supplemented-features note, this is surfaced only for
// logging — never parsed into a persisted or geolocation-bearing
// record, since peer-geolocation enrichment is an explicit Non-goal.
type PublicIP struct {
	PublicIP string `json:"public_ip"`
	Country  string `json:"country"`
	City     string `json:"city"`
	Region   string `json:"region"`
	ISP      string `json:"isp"`
}

// Client talks to one VPN sidecar's local HTTP API.
type Client struct {
	hc *http.Client
}

// New builds a vpnapi.Client with a short timeout, matching §5's
// control-plane call budget.
func New() *Client {
	return &Client{hc: &http.Client{Timeout: 10 * time.Second}}
}

// ForwardedPort returns the VPN's currently forwarded port, or nil if
// none is forwarded. Returns ErrNotSupported (not an error the caller
// should log as a failure) when the sidecar answers 401.
func (c *Client) ForwardedPort(ctx context.Context, baseURL string) (*int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/openvpn/portforwarded", nil)
	if err != nil {
		return nil, err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized {
		return nil, ErrNotSupported
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vpnapi: unexpected status %d from portforwarded", res.StatusCode)
	}

	var body struct {
		Port *int `json:"port"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("vpnapi: decode portforwarded: %w", err)
	}
	return body.Port, nil
}

// PublicIPInfo fetches the VPN's current public IP — informational
// only.
func (c *Client) PublicIPInfo(ctx context.Context, baseURL string) (*PublicIP, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/publicip/ip", nil)
	if err != nil {
		return nil, err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var ip PublicIP
	if err := json.NewDecoder(res.Body).Decode(&ip); err != nil {
		return nil, fmt.Errorf("vpnapi: decode publicip: %w", err)
	}
	return &ip, nil
}
