// Package server runs an http.Server until its context is done and then
// shuts it down gracefully.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

const defaultShutdownTimeout = 10 * time.Second

var ErrShutdownTimeout = errors.New("graceful shutdown timed out")

type Server struct {
	*http.Server
	Logger *slog.Logger
	// ShutdownTimeout bounds Shutdown and the clean up functions together.
	ShutdownTimeout time.Duration
	// TLSCrt and TLSKey enable TLS when both are set.
	TLSCrt string
	TLSKey string
	// CleanUpFuncs are called concurrently once the server has stopped
	// accepting requests.
	CleanUpFuncs []func(ctx context.Context)
}

func (s *Server) AddCleanUpFunc(f func(ctx context.Context)) {
	s.CleanUpFuncs = append(s.CleanUpFuncs, f)
}

// Run listens on s.Addr and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done or the server fails, then shuts down.
// It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := s.logger()
	s.Server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	serveErr := make(chan error, 1)
	go func() {
		if s.TLSCrt != "" && s.TLSKey != "" {
			serveErr <- s.Server.ServeTLS(ln, s.TLSCrt, s.TLSKey)
			return
		}
		serveErr <- s.Server.Serve(ln)
	}()
	logger.Info("server started", slog.String("addr", ln.Addr().String()),
		slog.Bool("tls", s.TLSCrt != "" && s.TLSKey != ""))

	var err error
	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		logger.Info("server shutting down")
	}

	if shutdownErr := s.shutdown(); shutdownErr != nil {
		err = errors.Join(err, shutdownErr)
	}
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("server shut down gracefully")
	return nil
}

func (s *Server) shutdown() error {
	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.Server.Shutdown(ctx)

	var wg sync.WaitGroup
	for _, f := range s.CleanUpFuncs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ErrShutdownTimeout)
	}
	return err
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// DefaultTLSConfig restricts the server to TLS 1.2+ with forward secret AEAD
// suites.
// https://github.com/ssllabs/research/wiki/ssl-and-tls-deployment-best-practices
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP384,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}
