// Package server exposes the daemon's read and admin surface over HTTP:
// follower status, the sync-wait rendezvous, force-refresh, path image
// queries, and prometheus metrics.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/containerd/log"
	metrics "github.com/docker/go-metrics"
	"github.com/gorilla/mux"
	"github.com/liang0/sentry/daemon/store"
)

// StatusInfo is the response body of GET /v1/status.
type StatusInfo struct {
	InstanceID        string `json:"instanceId"`
	ServerName        string `json:"serverName"`
	Leader            bool   `json:"leader"`
	Connected         bool   `json:"connected"`
	Ready             bool   `json:"ready"`
	FullUpdateRunning bool   `json:"fullUpdateRunning"`
	MaxNotificationID int64  `json:"maxNotificationId"`
	LastImageID       int64  `json:"lastImageId"`
	CounterValue      int64  `json:"counterValue"`
	PathCount         int    `json:"pathCount"`
}

// Backend is the daemon surface the server serves. The daemon implements it.
type Backend interface {
	// Status reports the current daemon and follower state.
	Status() (StatusInfo, error)
	// TriggerRefresh requests a full snapshot rebuild.
	TriggerRefresh(body string)
	// SyncWait blocks until the store durably holds notification id, or
	// ctx is done.
	SyncWait(ctx context.Context, id int64) error
	// PathsByPrefix queries the path image.
	PathsByPrefix(prefix string) ([]store.PathMapping, error)
}

// Server is the HTTP admin/API server.
type Server struct {
	backend Backend
	srv     *http.Server
}

// New builds a server around backend with all routes registered.
func New(backend Backend) *Server {
	s := &Server{backend: backend}

	r := mux.NewRouter()
	r.Path("/v1/status").Methods(http.MethodGet).Handler(makeHTTPHandler(s.getStatus))
	r.Path("/v1/refresh").Methods(http.MethodPost).Handler(makeHTTPHandler(s.postRefresh))
	r.Path("/v1/sync").Methods(http.MethodGet).Handler(makeHTTPHandler(s.getSync))
	r.Path("/v1/paths").Methods(http.MethodGet).Handler(makeHTTPHandler(s.getPaths))
	r.Path("/metrics").Methods(http.MethodGet).Handler(metrics.Handler())

	s.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Serve accepts connections on l until Shutdown or a fatal listener error.
func (s *Server) Serve(l net.Listener) error {
	log.L.WithField("addr", l.Addr().String()).Info("api server listening")
	err := s.srv.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
