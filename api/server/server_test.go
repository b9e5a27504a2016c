package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/liang0/sentry/daemon/store"
	"github.com/liang0/sentry/pkg/counterwait"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type fakeBackend struct {
	status   StatusInfo
	counter  *counterwait.CounterWait
	mappings []store.PathMapping
	refresh  []string
}

func (b *fakeBackend) Status() (StatusInfo, error) { return b.status, nil }

func (b *fakeBackend) TriggerRefresh(body string) { b.refresh = append(b.refresh, body) }

func (b *fakeBackend) SyncWait(ctx context.Context, id int64) error {
	return b.counter.Wait(ctx, id)
}

func (b *fakeBackend) PathsByPrefix(prefix string) ([]store.PathMapping, error) {
	var out []store.PathMapping
	for _, m := range b.mappings {
		if strings.HasPrefix(m.Path, prefix) {
			out = append(out, m)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	backend := &fakeBackend{
		status:  StatusInfo{InstanceID: "test", ServerName: "HS2", Leader: true, Ready: true},
		counter: counterwait.New(),
		mappings: []store.PathMapping{
			{Path: "/warehouse/db1/t1", Objects: []string{"db1.t1"}},
			{Path: "/warehouse/db2/t1", Objects: []string{"db2.t1"}},
		},
	}
	ts := httptest.NewServer(New(backend).srv.Handler)
	t.Cleanup(ts.Close)
	return backend, ts
}

func TestStatusRoute(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/status")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	var info StatusInfo
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, info.InstanceID, "test")
	assert.Assert(t, info.Leader)
}

func TestRefreshRoute(t *testing.T) {
	t.Parallel()
	backend, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/refresh", "text/plain", strings.NewReader("rebuild please"))
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusAccepted)
	assert.Check(t, is.DeepEqual(backend.refresh, []string{"rebuild please"}))
}

func TestSyncRouteImmediate(t *testing.T) {
	t.Parallel()
	backend, ts := newTestServer(t)
	backend.counter.Update(42)

	resp, err := http.Get(ts.URL + "/v1/sync?id=40")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
}

func TestSyncRouteTimeout(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/sync?id=100&timeoutms=50")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusRequestTimeout)
}

func TestSyncRouteBadParams(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	for _, target := range []string{"/v1/sync", "/v1/sync?id=abc", "/v1/sync?id=1&timeoutms=-5"} {
		resp, err := http.Get(ts.URL + target)
		assert.NilError(t, err)
		resp.Body.Close()
		assert.Equal(t, resp.StatusCode, http.StatusBadRequest, target)
	}
}

func TestPathsRoute(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/paths?prefix=/warehouse/db1")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	var mappings []store.PathMapping
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&mappings))
	assert.Assert(t, is.Len(mappings, 1))
	assert.Equal(t, mappings[0].Path, "/warehouse/db1/t1")
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
}
