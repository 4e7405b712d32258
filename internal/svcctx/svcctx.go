// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/lectern-ai/lectern/internal/config"
	"github.com/lectern-ai/lectern/internal/jobs"
	"github.com/lectern-ai/lectern/internal/providers"
	"github.com/lectern-ai/lectern/internal/skeleton"
	"github.com/lectern-ai/lectern/internal/worker"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Store     *jobs.Store
	Skeletons *skeleton.Store
	Quota     *jobs.QuotaGuard
	Executor  *worker.Executor
	Registry  *providers.Registry
	ConfigMgr *config.Manager
	Logger    *slog.Logger
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the job store from context.
func StoreFrom(ctx context.Context) *jobs.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// SkeletonsFrom extracts the skeleton store from context.
func SkeletonsFrom(ctx context.Context) *skeleton.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Skeletons
	}
	return nil
}

// QuotaFrom extracts the quota guard from context.
func QuotaFrom(ctx context.Context) *jobs.QuotaGuard {
	if s := ServicesFrom(ctx); s != nil {
		return s.Quota
	}
	return nil
}

// ExecutorFrom extracts the step executor from context.
func ExecutorFrom(ctx context.Context) *worker.Executor {
	if s := ServicesFrom(ctx); s != nil {
		return s.Executor
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
