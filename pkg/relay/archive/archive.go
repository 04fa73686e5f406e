// Package archive persists completed turns for offline analytics. It
// is an optional sink; the core runs fine with a nil writer.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// TurnRecord is one finished conversational turn.
type TurnRecord struct {
	SessionID   string
	CallID      string
	Role        string
	Content     string
	Interrupted bool
	At          time.Time
}

// Writer is what the session loop depends on.
type Writer interface {
	RecordTurn(ctx context.Context, rec TurnRecord) error
}

// PG writes turn records to Postgres.
type PG struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*PG, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	return &PG{pool: pool}, nil
}

func (p *PG) RecordTurn(ctx context.Context, rec TurnRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx,
		`insert into turns (session_id, call_id, role, content, interrupted, occurred_at)
		 values ($1, $2, $3, $4, $5, $6)`,
		rec.SessionID, rec.CallID, rec.Role, rec.Content, rec.Interrupted, at)
	if err != nil {
		return fmt.Errorf("archive: record turn: %w", err)
	}
	return nil
}

func (p *PG) Close() {
	p.pool.Close()
}

// Migrate brings the archive schema up to date.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("archive: open for migration: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("archive: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}
