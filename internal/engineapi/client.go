// Package engineapi is the HTTP client for the AceStream engine's
// consumed API (§6): getstream, the command endpoint, and the
// network-connection-status probe used by the VPN health double-check.
// It does not fetch a session's stat URL.
//
// Grounded directly on the donor's acexy.go (GetStream/CloseStream):
// same query-parameter construction (mandatory per-session pid, format=
// json), same "error" field convention in the JSON envelope.
package engineapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// StreamResponse is the engine's getstream envelope.
type StreamResponse struct {
	PlaybackURL       string `json:"playback_url"`
	StatURL           string `json:"stat_url"`
	CommandURL        string `json:"command_url"`
	PlaybackSessionID string `json:"playback_session_id"`
	IsLive            int    `json:"is_live"`
}

type streamEnvelope struct {
	Response StreamResponse `json:"response"`
	Error    string         `json:"error"`
}

type commandEnvelope struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

type networkStatusEnvelope struct {
	Result struct {
		Connected bool `json:"connected"`
	} `json:"result"`
}

// Client talks to one AceStream engine instance.
type Client struct {
	hc *http.Client
}

// New builds an engineapi.Client with bounded connect/read timeouts
// matching §5's "5s connect, 30s read" defaults.
func New() *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: 5 * time.Second}).DialContext
	return &Client{hc: &http.Client{Transport: tr, Timeout: 30 * time.Second}}
}

// GetStream opens (or re-fetches) a stream for contentID (the
// infohash). pid is mandatory and must be unique per proxy session —
// two concurrent sessions on the same engine for the same content id
// but different pids are independent, per §6.
func (c *Client) GetStream(ctx context.Context, host string, port int, contentID string, pid uuid.UUID) (*StreamResponse, error) {
	u := fmt.Sprintf("http://%s:%d/ace/getstream", host, port)
	q := url.Values{}
	q.Set("format", "json")
	q.Set("infohash", contentID)
	q.Set("pid", pid.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	var env streamEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("engineapi: decode getstream response: %w", err)
	}
	if env.Error != "" {
		return nil, fmt.Errorf("engineapi: getstream error: %s", env.Error)
	}
	return &env.Response, nil
}

// Stop sends the best-effort "method=stop" command to the engine.
func (c *Client) Stop(ctx context.Context, commandURL string) error {
	u, err := url.Parse(commandURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("method", "stop")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	var env commandEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil // best effort: a malformed stop response is not fatal
	}
	if env.Error != "" {
		return fmt.Errorf("engineapi: stop error: %s", env.Error)
	}
	return nil
}

// NetworkConnectionStatus probes an engine's
// /server/api?method=get_network_connection_status endpoint, used by
// the VPN Coordinator's health double-check (§4.2).
func (c *Client) NetworkConnectionStatus(ctx context.Context, host string, port int) (bool, error) {
	u := fmt.Sprintf("http://%s:%d/server/api?api_version=3&method=get_network_connection_status", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()

	var env networkStatusEnvelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return false, fmt.Errorf("engineapi: decode network status: %w", err)
	}
	return env.Result.Connected, nil
}
