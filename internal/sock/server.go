package sock

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ccjk-org/ccjk/internal/logger"
)

// shutdownGrace bounds how long Shutdown waits for in-flight admin requests.
const shutdownGrace = 2 * time.Second

// Server serves HTTP on a unix domain socket. The daemon mounts its admin
// routes on it; nothing listens on TCP.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a Server for the given socket path and handler.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		addr: addr,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Serve listens on the socket and serves until Shutdown. A stale socket file
// from a crashed process is removed first; the lock file guarantees no live
// daemon owns it.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.addr)
	listener, err := net.Listen("unix", s.addr)
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(s.addr)
	}()

	logger.Info(ctx, "Admin socket listening", "addr", s.addr)
	if err := s.srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
