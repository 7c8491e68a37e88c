// Package shutdown closes registered services in reverse registration order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const DefaultTimeout = 30 * time.Second

// CloseFunc allows using a function as an io.Closer
type CloseFunc func() error

func (f CloseFunc) Close() error {
	return f()
}

// Handler manages graceful shutdown of multiple services
type Handler struct {
	logger   *zap.Logger
	timeout  time.Duration
	mu       sync.Mutex
	services []namedService
	done     bool
}

type namedService struct {
	name   string
	closer io.Closer
}

// NewHandler creates a new shutdown handler
func NewHandler(logger *zap.Logger, timeout time.Duration) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Handler{logger: logger.Named("shutdown"), timeout: timeout}
}

// Add registers a service for shutdown
func (h *Handler) Add(name string, closer io.Closer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.services = append(h.services, namedService{name: name, closer: closer})
	h.logger.Debug("Registered service for shutdown", zap.String("service", name))
}

// AddFunc registers a shutdown function
func (h *Handler) AddFunc(name string, fn func() error) {
	h.Add(name, CloseFunc(fn))
}

// Wait blocks until SIGINT, SIGTERM or ctx is done, then shuts down.
func (h *Handler) Wait(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	h.logger.Info("Shutdown triggered", zap.NamedError("cause", context.Cause(sigCtx)))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	return h.Shutdown(shutdownCtx)
}

// Shutdown closes every service, last registered first, one at a time. A
// service that does not finish before ctx is done is abandoned. Shutdown runs
// once; later calls return nil.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return nil
	}
	h.done = true
	services := make([]namedService, len(h.services))
	copy(services, h.services)
	h.mu.Unlock()

	h.logger.Info("Starting graceful shutdown", zap.Int("services", len(services)))

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		if err := h.closeOne(ctx, services[i]); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		h.logger.Error("Shutdown completed with errors", zap.Int("errorCount", len(errs)))
		return errors.Join(errs...)
	}
	h.logger.Info("Graceful shutdown completed successfully")
	return nil
}

func (h *Handler) closeOne(ctx context.Context, s namedService) error {
	if err := ctx.Err(); err != nil {
		h.logger.Error("Skipping service, shutdown deadline passed", zap.String("service", s.name))
		return fmt.Errorf("%s: shutdown timeout: %w", s.name, err)
	}
	done := make(chan error, 1)
	go func() {
		done <- s.closer.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			h.logger.Error("Failed to shutdown service", zap.String("service", s.name), zap.Error(err))
			return fmt.Errorf("%s: %w", s.name, err)
		}
		h.logger.Debug("Service shutdown complete", zap.String("service", s.name))
		return nil
	case <-ctx.Done():
		h.logger.Error("Shutdown timeout for service", zap.String("service", s.name))
		return fmt.Errorf("%s: shutdown timeout: %w", s.name, ctx.Err())
	}
}
