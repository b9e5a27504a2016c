package metastore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewHTTPClient(srv.URL)
	assert.NilError(t, err)
	return client
}

func TestNewHTTPClientRejectsBadScheme(t *testing.T) {
	_, err := NewHTTPClient("thrift://hms:9083")
	assert.ErrorContains(t, err, "unsupported metastore address scheme")
}

func TestHTTPClientConnect(t *testing.T) {
	var pinged bool
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/ping" {
			pinged = true
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	})

	assert.NilError(t, client.Connect(context.Background()))
	assert.Check(t, pinged)
	assert.NilError(t, client.Disconnect())
}

func TestHTTPClientCurrentNotificationID(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.URL.Path, "/api/v1/notifications/current")
		_ = json.NewEncoder(w).Encode(map[string]int64{"eventId": 42})
	})

	id, err := client.CurrentNotificationID(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, id, int64(42))
}

func TestHTTPClientNotifications(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.URL.Path, "/api/v1/notifications")
		assert.Equal(t, r.URL.Query().Get("after"), "10")
		assert.Equal(t, r.URL.Query().Get("max"), "50")
		_ = json.NewEncoder(w).Encode([]*Event{
			{ID: 11, Type: EventCreateTable, Database: "db1", Table: "t1"},
			{ID: 12, Type: EventDropTable, Database: "db1", Table: "t1"},
		})
	})

	events, err := client.Notifications(context.Background(), 10, 50)
	assert.NilError(t, err)
	assert.Equal(t, len(events), 2)
	assert.Equal(t, events[0].ID, int64(11))
	assert.Equal(t, events[0].Type, EventCreateTable)
}

func TestHTTPClientNotificationsGone(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	_, err := client.Notifications(context.Background(), 10, 0)
	assert.Check(t, IsOutOfSync(err))
}

func TestHTTPClientFullSnapshot(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.URL.Path, "/api/v1/snapshot")
		_ = json.NewEncoder(w).Encode(&PathsImage{
			ID:    7,
			Paths: map[string][]string{"/warehouse/db1.db": {"db1"}},
		})
	})

	image, err := client.FullSnapshot(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, image.ID, int64(7))
	assert.DeepEqual(t, image.Paths, map[string][]string{"/warehouse/db1.db": {"db1"}})
}

func TestHTTPClientErrorStatus(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "store on fire", http.StatusInternalServerError)
	})

	_, err := client.CurrentNotificationID(context.Background())
	assert.ErrorContains(t, err, "store on fire")
	assert.Check(t, is.Equal(IsOutOfSync(err), false))
}

func TestDecodeMessage(t *testing.T) {
	ev := &Event{
		ID:      3,
		Type:    EventAlterTable,
		Message: json.RawMessage(`{"location":"/w/db1.db/t2","newTableName":"t2"}`),
	}
	msg, err := ev.DecodeMessage()
	assert.NilError(t, err)
	assert.Equal(t, msg.Location, "/w/db1.db/t2")
	assert.Equal(t, msg.NewTable, "t2")

	empty := &Event{ID: 4}
	msg, err = empty.DecodeMessage()
	assert.NilError(t, err)
	assert.DeepEqual(t, msg, EventMessage{})
}
