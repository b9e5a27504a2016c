package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	// versionedPrefix is the API prefix all endpoints live under.
	versionedPrefix = "/api/v1"

	defaultDialTimeout = 30 * time.Second
)

// HTTPClient talks to a metastore endpoint that exposes the notification
// log over HTTP+JSON:
//
//	GET /api/v1/ping
//	GET /api/v1/notifications/current        -> {"eventId": N}
//	GET /api/v1/notifications?after=N&max=M  -> [Event, ...]
//	GET /api/v1/snapshot                     -> PathsImage
//
// A 410 response on the notifications endpoint means the requested position
// was truncated from the upstream log and is surfaced as ErrOutOfSync.
type HTTPClient struct {
	base   *url.URL
	client *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a client for the metastore at addr, e.g.
// "http://hms.example.com:9083". The connection is not established until
// Connect.
func NewHTTPClient(addr string) (*HTTPClient, error) {
	base, err := url.Parse(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid metastore address %q", addr)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("unsupported metastore address scheme %q", base.Scheme)
	}
	return &HTTPClient{
		base:   base,
		client: &http.Client{Timeout: defaultDialTimeout},
	}, nil
}

// Connect verifies the endpoint is reachable.
func (c *HTTPClient) Connect(ctx context.Context) error {
	resp, err := c.get(ctx, "/ping", nil)
	if err != nil {
		return errors.Wrap(err, "metastore ping failed")
	}
	ensureClosed(resp)
	return nil
}

// Disconnect drops any idle connections. The client remains usable; the
// next call re-dials.
func (c *HTTPClient) Disconnect() error {
	c.client.CloseIdleConnections()
	return nil
}

// CurrentNotificationID returns the newest event id upstream.
func (c *HTTPClient) CurrentNotificationID(ctx context.Context) (int64, error) {
	resp, err := c.get(ctx, "/notifications/current", nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		EventID int64 `json:"eventId"`
	}
	if err := decodeBody(resp, &out); err != nil {
		return 0, errors.Wrap(err, "decoding current notification id")
	}
	return out.EventID, nil
}

// Notifications fetches up to max events after the given id.
func (c *HTTPClient) Notifications(ctx context.Context, after int64, max int) ([]*Event, error) {
	query := url.Values{}
	query.Set("after", strconv.FormatInt(after, 10))
	if max > 0 {
		query.Set("max", strconv.Itoa(max))
	}
	resp, err := c.get(ctx, "/notifications", query)
	if err != nil {
		return nil, err
	}
	var events []*Event
	if err := decodeBody(resp, &events); err != nil {
		return nil, errors.Wrap(err, "decoding notifications")
	}
	return events, nil
}

// FullSnapshot retrieves a complete path image.
func (c *HTTPClient) FullSnapshot(ctx context.Context) (*PathsImage, error) {
	resp, err := c.get(ctx, "/snapshot", nil)
	if err != nil {
		return nil, err
	}
	image := &PathsImage{}
	if err := decodeBody(resp, image); err != nil {
		return nil, errors.Wrap(err, "decoding snapshot")
	}
	if image.Paths == nil {
		image.Paths = map[string][]string{}
	}
	return image, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	u := *c.base
	u.Path = versionedPrefix + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "metastore request %s failed", path)
	}
	return resp, checkResponseErr(resp)
}

// checkResponseErr maps non-2xx statuses to errors, closing the body for
// failed responses. 410 Gone marks log truncation.
func checkResponseErr(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer ensureClosed(resp)
	if resp.StatusCode == http.StatusGone {
		return ErrOutOfSync
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := string(body)
	if msg == "" {
		msg = resp.Status
	}
	return errors.Errorf("metastore error response (%d): %s", resp.StatusCode, msg)
}

func decodeBody(resp *http.Response, out any) error {
	defer ensureClosed(resp)
	return json.NewDecoder(resp.Body).Decode(out)
}

// ensureClosed drains and closes the response body so the underlying
// connection can be reused.
func ensureClosed(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// String implements fmt.Stringer for log fields.
func (c *HTTPClient) String() string {
	return fmt.Sprintf("metastore(%s)", c.base.Host)
}
