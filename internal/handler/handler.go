// Package handler implements the HTTP routes of the speedtest server.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/casterlabs/speedtest/internal/metrics"
	"github.com/casterlabs/speedtest/internal/policy"
	"github.com/casterlabs/speedtest/internal/session"
	"github.com/casterlabs/speedtest/pkg/speedtest/model"
	"github.com/casterlabs/speedtest/pkg/speedtest/spec"
	"github.com/charmbracelet/log"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/websocket"
)

const indexPage = "<!DOCTYPE html><html><body>Hello world!</body></html>"

// errDropConnection makes ServeHTTP abort the connection instead of writing
// a response.
var errDropConnection = errors.New("connection dropped")

// PolicySource provides the policy applied to new sessions.
type PolicySource interface {
	Load() policy.Policy
}

// Handler dispatches speedtest requests. It is safe for concurrent use.
type Handler struct {
	policies PolicySource
}

// New returns a Handler reading the active policy from policies.
func New(policies PolicySource) *Handler {
	return &Handler{
		policies: policies,
	}
}

// CORS sets the CORS headers on every response, including those written by
// handlers further down the chain. Preflight requests are answered here and
// never reach the rest of the chain, since browsers send them without an
// access token.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		setCORSHeaders(rw.Header(), req)
		if req.Method == http.MethodOptions {
			rw.WriteHeader(http.StatusNoContent)
			metrics.RequestsTotal.WithLabelValues(routeLabel(req), strconv.Itoa(http.StatusNoContent)).Inc()
			return
		}
		next.ServeHTTP(rw, req)
	})
}

func setCORSHeaders(h http.Header, req *http.Request) {
	origin := req.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", spec.AllowedMethods)
	h.Set("Access-Control-Max-Age", spec.PreflightMaxAge)
}

// responseState records whether anything has been sent to the client.
type responseState struct {
	started bool
	code    int
}

func (st *responseState) wrap(rw http.ResponseWriter) http.ResponseWriter {
	return httpsnoop.Wrap(rw, httpsnoop.Hooks{
		WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
			return func(code int) {
				if !st.started {
					st.started = true
					st.code = code
				}
				next(code)
			}
		},
		Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
			return func(b []byte) (int, error) {
				if !st.started {
					st.started = true
					st.code = http.StatusOK
				}
				return next(b)
			}
		},
		ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
			return func(src io.Reader) (int64, error) {
				if !st.started {
					st.started = true
					st.code = http.StatusOK
				}
				return next(src)
			}
		},
	})
}

// ServeHTTP routes the request and is the only place where errors and
// panics are turned into responses. Unexpected failures become an empty 401
// if nothing has been sent yet. Aborted sessions and failures after the
// response has started drop the connection.
func (h *Handler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	route := routeLabel(req)
	st := &responseState{}
	w := st.wrap(rw)
	setCORSHeaders(w.Header(), req)

	err := h.safeServe(w, req)
	if err != nil && !isDrop(err) {
		log.Error("Request failed", "method", req.Method, "path", req.URL.Path,
			"remote", req.RemoteAddr, "err", err)
		if !st.started {
			w.Header().Del("Content-Type")
			w.Header().Del("Content-Length")
			w.WriteHeader(http.StatusUnauthorized)
			err = nil
		}
	}
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(route, "dropped").Inc()
		panic(http.ErrAbortHandler)
	}
	if !st.started {
		st.code = http.StatusOK
	}
	metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(st.code)).Inc()
}

func isDrop(err error) bool {
	return errors.Is(err, session.ErrAborted) || errors.Is(err, errDropConnection)
}

func (h *Handler) safeServe(rw http.ResponseWriter, req *http.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if r == http.ErrAbortHandler {
				err = errDropConnection
				return
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.serve(rw, req)
}

func (h *Handler) serve(rw http.ResponseWriter, req *http.Request) error {
	if req.Method == http.MethodOptions {
		rw.WriteHeader(http.StatusNoContent)
		return nil
	}
	// WebSocket upgrades are not part of the protocol.
	if websocket.IsWebSocketUpgrade(req) {
		log.Debug("Dropping websocket request", "remote", req.RemoteAddr)
		return errDropConnection
	}

	switch req.Method {
	case http.MethodGet:
		switch req.URL.Path {
		case spec.IndexPath:
			rw.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, err := io.WriteString(rw, indexPage)
			return err
		case spec.ServiceDataPath:
			return h.serviceData(rw, req)
		case spec.PingPath:
			rw.WriteHeader(http.StatusOK)
			return nil
		}
	case http.MethodPatch:
		switch req.URL.Path {
		case spec.DownloadPath:
			return h.download(rw, req)
		case spec.UploadPath:
			return h.upload(rw, req)
		}
	default:
		return writeError(rw, http.StatusBadRequest, spec.CodeNotImplemented,
			"Invalid HTTP method.")
	}
	rw.WriteHeader(http.StatusNotFound)
	return nil
}

func (h *Handler) serviceData(rw http.ResponseWriter, req *http.Request) error {
	return writeJSON(rw, http.StatusOK, model.Envelope{
		Data: h.policies.Load().Capabilities(),
	})
}

func writeError(rw http.ResponseWriter, status int, code, message string) error {
	return writeJSON(rw, status, model.Envelope{
		Error: &model.Error{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Content-Length", strconv.Itoa(len(b)))
	rw.WriteHeader(status)
	_, err = rw.Write(b)
	return err
}

func routeLabel(req *http.Request) string {
	switch req.URL.Path {
	case spec.IndexPath:
		return "index"
	case spec.ServiceDataPath:
		return "service-data"
	case spec.PingPath:
		return "ping"
	case spec.DownloadPath:
		return "download"
	case spec.UploadPath:
		return "upload"
	default:
		return "other"
	}
}
