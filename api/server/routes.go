package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/containerd/log"
	"github.com/liang0/sentry/daemon/store"
	"github.com/pkg/errors"
)

// defaultSyncTimeout bounds GET /v1/sync when the client sends no timeout.
const defaultSyncTimeout = 10 * time.Second

// httpHandler is the route signature: return an error and the wrapper maps
// it to a status code and JSON body.
type httpHandler func(ctx context.Context, w http.ResponseWriter, r *http.Request) error

func makeHTTPHandler(handler httpHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := handler(ctx, w, r); err != nil {
			status := statusCodeOf(err)
			if status >= http.StatusInternalServerError {
				log.G(ctx).WithError(err).WithField("uri", r.RequestURI).Error("handler error")
			}
			writeJSON(w, status, map[string]string{"message": err.Error()})
		}
	})
}

func (s *Server) getStatus(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	info, err := s.backend.Status()
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, info)
}

func (s *Server) postRefresh(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1024))
	if err != nil {
		return invalidParam{errors.Wrap(err, "reading request body")}
	}
	s.backend.TriggerRefresh(string(body))
	return writeJSON(w, http.StatusAccepted, map[string]string{"status": "full update requested"})
}

// getSync parks the request until the follower has durably applied the
// given notification id, timing out with 408.
func (s *Server) getSync(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		return invalidParam{errors.Wrap(err, "invalid id parameter")}
	}
	timeout := defaultSyncTimeout
	if v := r.URL.Query().Get("timeoutms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return invalidParam{errors.Errorf("invalid timeoutms parameter %q", v)}
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.backend.SyncWait(waitCtx, id); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return syncTimeout{id: id}
		}
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

func (s *Server) getPaths(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	mappings, err := s.backend.PathsByPrefix(r.URL.Query().Get("prefix"))
	if err != nil {
		return err
	}
	if mappings == nil {
		mappings = []store.PathMapping{}
	}
	return writeJSON(w, http.StatusOK, mappings)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

// invalidParam marks client errors, mapped to 400.
type invalidParam struct{ error }

func (invalidParam) InvalidParameter() {}

// syncTimeout marks an expired sync wait, mapped to 408.
type syncTimeout struct{ id int64 }

func (e syncTimeout) Error() string {
	return "timed out waiting for notification " + strconv.FormatInt(e.id, 10)
}

func statusCodeOf(err error) int {
	switch err.(type) {
	case invalidParam:
		return http.StatusBadRequest
	case syncTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
