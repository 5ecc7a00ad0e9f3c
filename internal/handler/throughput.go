package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/casterlabs/speedtest/internal/metrics"
	"github.com/casterlabs/speedtest/internal/netx"
	"github.com/casterlabs/speedtest/internal/session"
	"github.com/casterlabs/speedtest/pkg/speedtest/spec"
	"github.com/charmbracelet/log"
	"github.com/m-lab/access/controller"
)

func (h *Handler) download(rw http.ResponseWriter, req *http.Request) error {
	size := int64(-1)
	if v := req.URL.Query().Get(spec.SizeParam); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", v, err)
		}
		if n < 0 {
			return fmt.Errorf("invalid size %d", n)
		}
		size = n
	}

	s := session.New(spec.SubtestDownload, h.policies.Load())
	defer logSession(req, s)
	setCC(req)

	src, err := s.Source(size)
	if errors.Is(err, session.ErrTooLarge) {
		return writeError(rw, http.StatusBadRequest, spec.CodeTooLarge,
			"Requested download is too large. Use GET "+spec.ServiceDataPath+
				" to get the max download size.")
	}
	if err != nil {
		return err
	}

	rw.Header().Set("Content-Type", "application/octet-stream")
	rw.Header().Set("Cache-Control", "no-store")
	if src.Length() >= 0 {
		rw.Header().Set("Content-Length", strconv.FormatInt(src.Length(), 10))
	}
	rw.WriteHeader(http.StatusCreated)

	buf := make([]byte, spec.DownloadChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := rw.Write(buf[:n]); werr != nil {
				// The client went away. There is nobody left to respond to.
				s.Fail(werr)
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (h *Handler) upload(rw http.ResponseWriter, req *http.Request) error {
	s := session.New(spec.SubtestUpload, h.policies.Load())
	defer logSession(req, s)
	setCC(req)

	err := s.Expect(req.ContentLength)
	if err == nil {
		err = s.Drain(req.Body)
	}
	switch {
	case err == nil:
		rw.WriteHeader(http.StatusOK)
		return nil
	case errors.Is(err, session.ErrTooLarge):
		rw.Header().Set("Connection", "close")
		return writeError(rw, http.StatusBadRequest, spec.CodeTooLarge,
			"Upload is too large. Use GET "+spec.ServiceDataPath+
				" to get the max upload size.")
	case errors.Is(err, session.ErrTooLong):
		rw.Header().Set("Connection", "close")
		return writeError(rw, http.StatusBadRequest, spec.CodeTooLong,
			"Upload exceeded the time limit.")
	default:
		return fmt.Errorf("%w: %v", errDropConnection, err)
	}
}

// setCC applies the congestion control algorithm requested by the client,
// if any. Failures are not fatal: the test runs with the system default.
func setCC(req *http.Request) {
	cc := req.URL.Query().Get(spec.CCParam)
	if cc == "" {
		return
	}
	ci, ok := netx.LoadConnInfo(req.Context())
	if !ok {
		log.Debug("Cannot set cc on this connection", "cc", cc)
		return
	}
	if err := ci.SetCC(cc); err != nil {
		log.Warn("Failed to set cc", "cc", cc, "remote", req.RemoteAddr, "err", err)
	}
}

func logSession(req *http.Request, s *session.Session) {
	fields := []any{
		"direction", s.Kind,
		"state", s.State(),
		"bytes", s.BytesTransferred(),
		"elapsed", s.Elapsed(),
		"remote", req.RemoteAddr,
	}
	if claims := controller.GetClaim(req.Context()); claims != nil {
		fields = append(fields, "mid", claims.ID)
	}
	if ci, ok := netx.LoadConnInfo(req.Context()); ok {
		if id, err := ci.UUID(); err == nil {
			fields = append(fields, "uuid", id)
		}
		if info, err := ci.Info(); err == nil {
			fields = append(fields, "minrtt", time.Duration(info.MinRTT)*time.Microsecond)
		}
	}
	if err := s.Err(); err != nil {
		fields = append(fields, "err", err)
	}
	log.Info("Session ended", fields...)

	metrics.SessionsTotal.WithLabelValues(string(s.Kind), s.State().String()).Inc()
	metrics.SessionBytes.WithLabelValues(string(s.Kind)).Observe(float64(s.BytesTransferred()))
}
