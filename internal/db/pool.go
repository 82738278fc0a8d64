package db

import (
	"context"
	"fmt"

	"convroute/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Pool is the PostgreSQL store.Store
type Pool struct {
	*pgxpool.Pool
	*Queries
	log *zap.Logger
}

func NewPool(ctx context.Context, databaseURL string, log *zap.Logger) (*Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Pool{
		Pool:    pool,
		Queries: NewQueries(pool),
		log:     log,
	}, nil
}

// WithTx runs fn in a read-committed transaction. Row locks taken through the
// *ForUpdate queries are held until fn returns.
func (p *Pool) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(p.Queries.WithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		p.log.Warn("Commit failed", zap.Error(err))
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

// SetTeamMembers runs the delete and insert atomically when called outside WithTx
func (p *Pool) SetTeamMembers(ctx context.Context, teamID string, agentIDs []string) error {
	return p.WithTx(ctx, func(repo store.Repository) error {
		return repo.SetTeamMembers(ctx, teamID, agentIDs)
	})
}

func (p *Pool) Close() {
	p.Pool.Close()
}

var _ store.Store = (*Pool)(nil)
