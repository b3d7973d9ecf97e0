// Package handoff - HTTP surface of the rendezvous.
// POST /handoff/{slot} publishes (replaces), GET polls. An unset slot
// answers 204 No Content so "not yet available" is distinct from an error.
// Deployment is same-host or trusted-network only; there is no auth.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/subswap-labs/subswapd/pkg/logging"
)

// maxBodySize bounds published artifacts. The largest (HtlcParams) is well
// under 1 KiB.
const maxBodySize = 64 * 1024

// Server exposes a Store over HTTP.
type Server struct {
	store    *Store
	log      *logging.Logger
	server   *http.Server
	listener net.Listener
}

// NewServer wraps the store. Start binds and serves.
func NewServer(store *Store, log *logging.Logger) *Server {
	if log == nil {
		log = logging.GetDefault().Component("handoff")
	}
	return &Server{store: store, log: log}
}

// Start listens on addr and serves until Stop.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/handoff/", s.handleSlot)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("handoff listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("handoff server stopped", "error", err)
		}
	}()

	s.log.Info("handoff channel listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, useful when addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleSlot(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/handoff/")
	slot, err := s.store.Slot(name)
	if err != nil {
		http.Error(w, "unknown slot", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, ok, err := slot.Get()
		if err != nil {
			s.log.Error("slot read failed", "slot", name, "error", err)
			http.Error(w, "slot read failed", http.StatusInternalServerError)
			return
		}
		if !ok {
			// Not yet available: a no-content response, not an error.
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(value); err != nil {
			s.log.Debug("slot response write failed", "slot", name, "error", err)
		}

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}
		if len(body) > maxBodySize {
			http.Error(w, "value too large", http.StatusRequestEntityTooLarge)
			return
		}
		if err := slot.Put(body); err != nil {
			s.log.Error("slot write failed", "slot", name, "error", err)
			http.Error(w, "slot write failed", http.StatusInternalServerError)
			return
		}
		s.log.Debug("slot published", "slot", name, "bytes", len(body))
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
