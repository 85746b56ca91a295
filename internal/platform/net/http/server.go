package http

import (
	"context"
	"errors"
	stdhttp "net/http"
	"time"

	"adlake/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

// Server is the ops listener
type Server struct {
	mux *chi.Mux
	srv *stdhttp.Server
}

// NewServer builds a listener on addr. Each opt sees the mux before any
// route is mounted, which is where middleware goes
func NewServer(addr string, opts ...func(*chi.Mux)) *Server {
	m := chi.NewRouter()
	for _, o := range opts {
		o(m)
	}
	return &Server{mux: m, srv: &stdhttp.Server{Addr: addr, Handler: m, ReadHeaderTimeout: 10 * time.Second}}
}

func (s *Server) Router() Router { return AdaptChi(s.mux) }

func (s *Server) Addr() string { return s.srv.Addr }

// Run serves until ctx is done, then drains for up to grace
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	log := logger.Named("ops")
	errc := make(chan error, 1)
	go func() { errc <- s.srv.ListenAndServe() }()
	log.Info().Str("addr", s.srv.Addr).Msg("ops listening")

	select {
	case err := <-errc:
		if errors.Is(err, stdhttp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		return err
	}
	log.Info().Msg("ops stopped")
	return nil
}
