package eas

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"easmirror/internal/model"
)

const (
	// endpointPath is the single ActiveSync endpoint on every server.
	endpointPath = "/Microsoft-Server-ActiveSync"

	// protocolVersion is the version sent on every request.
	protocolVersion = "14.1"

	defaultTimeout = 30 * time.Second
)

// supportedVersions are the protocol versions this client can speak. The
// server must advertise at least one of them during the connect probe.
var supportedVersions = []string{"14.1", "14.0", "12.1"}

// Client performs one HTTP round trip per call against an ActiveSync server.
// It attaches authentication and device identity, and classifies HTTP and
// protocol status into typed [*Error] values. It never mutates sync state;
// that is the engine's job.
type Client struct {
	endpoint   string
	username   string
	password   string
	deviceID   string
	deviceType string
	policyKey  string

	hc  *http.Client
	log *slog.Logger
}

// NewClient validates the server URL and builds a Client for the account.
// deviceType is the advertised client name (e.g. the binary name).
func NewClient(creds model.Credentials, deviceType string, logger *slog.Logger) (*Client, error) {
	u, err := url.ParseRequestURI(creds.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, newError(KindInvalidServerURL, err, "server URL %q must be a valid http or https URL", creds.ServerURL)
	}

	return &Client{
		endpoint:   strings.TrimRight(creds.ServerURL, "/") + endpointPath,
		username:   creds.Username,
		password:   creds.Password,
		deviceID:   creds.DeviceID,
		deviceType: deviceType,
		hc:         &http.Client{Timeout: defaultTimeout},
		log:        logger,
	}, nil
}

// SetPolicyKey records the provisioning policy key sent as X-MS-PolicyKey on
// subsequent requests. Empty disables the header.
func (c *Client) SetPolicyKey(key string) {
	c.policyKey = key
}

// Probe verifies that the server exists and advertises a protocol version
// this client supports. Used by the engine's connect flow before any
// credentials are persisted.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, c.endpoint, nil)
	if err != nil {
		return newError(KindNetwork, err, "create probe request")
	}
	c.setHeaders(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return newError(KindNetwork, err, "probe %s", c.endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyHTTP(resp.StatusCode); err != nil {
		return err
	}

	advertised := resp.Header.Get("MS-ASProtocolVersions")
	for _, v := range supportedVersions {
		for _, a := range strings.Split(advertised, ",") {
			if strings.TrimSpace(a) == v {
				c.log.Debug("protocol version negotiated", "version", v, "advertised", advertised)
				return nil
			}
		}
	}
	return serverError(0, "server advertises no supported protocol version (got %q)", advertised)
}

// FolderSync performs one FolderSync round trip with the given folder-
// hierarchy sync key and returns the parsed response. A non-success protocol
// status is returned as a server error carrying the status code.
func (c *Client) FolderSync(ctx context.Context, syncKey string) (*FolderSyncResponse, error) {
	body, err := BuildFolderSyncRequest(syncKey)
	if err != nil {
		return nil, newError(KindParse, err, "build FolderSync request")
	}

	raw, err := c.post(ctx, "FolderSync", body)
	if err != nil {
		return nil, err
	}

	resp, err := ParseFolderSyncResponse(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if resp.Status != StatusOK {
		return nil, serverError(resp.Status, "FolderSync rejected")
	}
	return resp, nil
}

// Sync performs one Sync round trip for the given folder and item sync key.
// getChanges requests the server's pending deltas; addItems submits locally
// created events.
func (c *Client) Sync(ctx context.Context, folderID, syncKey string, getChanges bool, addItems []*model.CalendarEvent) (*SyncResponse, error) {
	body, err := BuildSyncRequest(folderID, syncKey, getChanges, addItems)
	if err != nil {
		return nil, newError(KindParse, err, "build Sync request")
	}

	raw, err := c.post(ctx, "Sync", body)
	if err != nil {
		return nil, err
	}

	resp, err := ParseSyncResponse(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if resp.Status != StatusOK {
		return nil, serverError(resp.Status, "Sync rejected")
	}
	if resp.Dropped > 0 {
		c.log.Warn("dropped malformed entries from Sync response", "dropped", resp.Dropped)
	}
	return resp, nil
}

// post executes the single HTTP POST for a command and returns the raw
// response body. All transport and HTTP-level classification happens here.
func (c *Client) post(ctx context.Context, cmd string, body []byte) ([]byte, error) {
	q := url.Values{}
	q.Set("Cmd", cmd)
	q.Set("User", c.username)
	q.Set("DeviceId", c.deviceID)
	q.Set("DeviceType", c.deviceType)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, newError(KindNetwork, err, "create %s request", cmd)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "text/xml")

	c.log.Debug("protocol request", "cmd", cmd, "bytes", len(body))

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, newError(KindNetwork, err, "%s request to %s", cmd, c.endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyHTTP(resp.StatusCode); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindNetwork, err, "read %s response", cmd)
	}
	return raw, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("MS-ASProtocolVersion", protocolVersion)
	req.Header.Set("User-Agent", c.deviceType)
	if c.policyKey != "" {
		req.Header.Set("X-MS-PolicyKey", c.policyKey)
	}
}

// classifyHTTP maps an HTTP status code onto the error taxonomy. 2xx is nil.
func classifyHTTP(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return newError(KindAuthentication, nil, "server rejected credentials (HTTP %d)", status)
	case status >= 500:
		return newError(KindNetwork, nil, "server unavailable (HTTP %d)", status)
	default:
		return serverError(0, "unexpected HTTP status %d", status)
	}
}
