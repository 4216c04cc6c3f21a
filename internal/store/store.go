// Package store implements C9, the authoritative Device/Zone/Rule
// store, plus the persistence side of C3's ZoneMembershipState and
// C6's delivery queue. It is a thin, hand-written Querier-style layer
// over pgx/v5 — the retrieval pack's apps reference a sqlc-generated
// "db" package (db.New(pool), db.Querier) for exactly this role, but
// the generated code itself was never checked in, so the repositories
// here are written by hand in that same call-site shape: one struct
// per aggregate, built from a shared *pgxpool.Pool, with otelpgx
// tracing wired in at the pool level the way every cmd/api/main.go in
// the teacher's monorepo does it.
package store

import (
	"context"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool parses dsn and returns a connection pool with OpenTelemetry
// tracing attached, matching every teacher main.go's Postgres bootstrap.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return pool, nil
}

// Store bundles every repository the pipeline's components depend on,
// all sharing one connection pool. Individual components only ever
// see the narrow interface they need (DeviceResolver, ZoneLookup,
// StateStore, ...) — Store exists purely as the composition root
// cmd/ entrypoints wire from.
type Store struct {
	Devices     *DeviceRepo
	Zones       *ZoneRepo
	State       *StateRepo
	Transitions *TransitionRepo
	Rules       *RuleRepo
	Deliveries  *DeliveryRepo
}

// New builds a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Devices:     &DeviceRepo{pool: pool},
		Zones:       &ZoneRepo{pool: pool},
		State:       &StateRepo{pool: pool},
		Transitions: &TransitionRepo{pool: pool},
		Rules:       &RuleRepo{pool: pool},
		Deliveries:  &DeliveryRepo{pool: pool},
	}
}
