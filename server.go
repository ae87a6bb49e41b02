package sase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Server runs the data plane and the control plane side by side. Whichever
// finishes first ends the process: the other is closed without draining and
// live log streams are terminated.
type Server struct {
	// Proxy is the data plane.
	Proxy *Proxy

	// Control is the control plane API.
	Control *ControlAPI

	// ControlAddr is the control plane listen address. Port 0 picks a
	// free port.
	ControlAddr string

	// State is the shared process state; its hub is closed on exit.
	State *State

	// Health is flipped alive and ready once both listeners are bound
	// (optional).
	Health *HealthChecker

	// Logger for lifecycle events.
	Logger *slog.Logger

	// ReadHeaderTimeout for the control plane server.
	ReadHeaderTimeout time.Duration

	mu         sync.Mutex
	controlLn  net.Listener
	controlSrv *http.Server
}

// Listen binds both listeners. Any bind failure is returned before either
// plane starts serving, and a partially bound server is released.
func (s *Server) Listen() error {
	if err := s.Proxy.Listen(); err != nil {
		return fmt.Errorf("data plane: %w", err)
	}

	ln, err := net.Listen("tcp", s.ControlAddr)
	if err != nil {
		_ = s.Proxy.Close()
		return fmt.Errorf("control plane: listen %s: %w", s.ControlAddr, err)
	}

	s.mu.Lock()
	s.controlLn = ln
	s.mu.Unlock()
	return nil
}

// ControlURL returns the base URL of the bound control plane, or "" before
// Listen.
func (s *Server) ControlURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controlLn == nil {
		return ""
	}
	return "http://" + s.controlLn.Addr().String()
}

// Run serves both planes until ctx is cancelled or either plane stops.
// Listen is called first if it has not been. A stop caused by cancellation
// or by the other plane closing returns nil; any other serve error is
// returned.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	bound := s.controlLn != nil
	s.mu.Unlock()
	if !bound {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	logger := s.logger()

	s.mu.Lock()
	ln := s.controlLn
	s.controlSrv = &http.Server{
		Handler:           s.Control.Handler(),
		ReadHeaderTimeout: s.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
	}
	controlSrv := s.controlSrv
	s.mu.Unlock()

	logger.Info("control plane listening", "url", "http://"+ln.Addr().String())
	logger.Info("data plane listening", "addr", s.Proxy.ListenAddr().String())

	if s.Health != nil {
		s.Health.AddReadinessCheck("data plane", s.Proxy.Accepting)
		s.Health.AddReadinessCheck("log hub", func() error {
			if s.State.Hub.Closed() {
				return errors.New("closed")
			}
			return nil
		})
		s.Health.SetAlive(true)
		s.Health.SetReady(true)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.Proxy.Serve()
		logger.Debug("data plane stopped", "error", err)
		return err
	})

	g.Go(func() error {
		err := controlSrv.Serve(ln)
		logger.Debug("control plane stopped", "error", err)
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		if s.Health != nil {
			s.Health.SetReady(false)
		}
		s.State.Hub.Close()
		_ = s.Proxy.Close()
		_ = controlSrv.Close()
		return nil
	})

	err := g.Wait()
	if s.Health != nil {
		s.Health.SetAlive(false)
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		logger.Info("servers stopped")
		return nil
	}
	logger.Error("servers stopped with error", "error", err)
	return err
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
