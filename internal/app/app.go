// Package app wires the application together: configuration, storage,
// model client, tool registry, retrieval pipeline, and synthesis chain.
package app

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kragentic/orchestrator/internal/agent"
	"github.com/kragentic/orchestrator/internal/cache"
	"github.com/kragentic/orchestrator/internal/config"
	"github.com/kragentic/orchestrator/internal/conversation"
	"github.com/kragentic/orchestrator/internal/knowledge"
	"github.com/kragentic/orchestrator/internal/log"
	"github.com/kragentic/orchestrator/internal/synthesis"
)

// App is the core application container. Fields are populated by Setup and
// released by Close.
type App struct {
	Config *config.Config
	Logger log.Logger

	Pool     *pgxpool.Pool
	History  *conversation.Store
	Loop     *agent.Loop
	Pipeline *knowledge.Pipeline
	Chain    *synthesis.Chain

	caches      []*cache.Memory
	otelCleanup func()
}

// Close releases every resource Setup acquired. Safe to call on a partially
// initialized App.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	if a.otelCleanup != nil {
		a.otelCleanup()
	}

	for _, c := range a.caches {
		c.Close()
	}
	a.caches = nil

	if a.Pool != nil {
		a.Pool.Close()
		a.Pool = nil
	}
	return nil
}
