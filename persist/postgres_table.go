package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"southwinds.dev/atrest/internal/codec"
)

// PostgresTable implements Table on a PostgreSQL table with one row per document.
// seq preserves insertion order; doc holds the encoded document.
type PostgresTable struct {
	pool    *pgxpool.Pool
	codec   codec.Codec
	name    string
	ident   string
	ownPool bool
}

// NewPostgresTable creates the backing table if needed. The pool stays owned by
// the caller and is not closed by Close.
func NewPostgresTable(ctx context.Context, pool *pgxpool.Pool, name string, c codec.Codec) (*PostgresTable, error) {
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, fmt.Errorf("postgres table requires a pool")
	}
	if c == nil {
		c = codec.Default
	}

	t := &PostgresTable{
		pool:  pool,
		codec: c,
		name:  name,
		ident: pgx.Identifier{name}.Sanitize(),
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq BIGSERIAL,
		key TEXT PRIMARY KEY,
		doc BYTEA NOT NULL
	)`, t.ident)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("postgres create %s: %w", name, err)
	}
	return t, nil
}

// NewPostgresTableFromConfig opens a pool from the "dsn" entry of a TableConfig
func NewPostgresTableFromConfig(config TableConfig, name string) (*PostgresTable, error) {
	dsn := configString(config, "dsn", "")
	if dsn == "" {
		return nil, fmt.Errorf("postgres table requires 'dsn' in config")
	}
	c, err := configCodec(config)
	if err != nil {
		return nil, err
	}

	pgCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns := configInt(config, "max_conns", 0); maxConns > 0 {
		pgCfg.MaxConns = int32(maxConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	t, err := NewPostgresTable(ctx, pool, name, c)
	if err != nil {
		pool.Close()
		return nil, err
	}
	t.ownPool = true
	return t, nil
}

func (p *PostgresTable) Name() string {
	return p.name
}

func (p *PostgresTable) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+p.ident).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres count %s: %w", p.name, err)
	}
	return n, nil
}

func (p *PostgresTable) Add(ctx context.Context, doc Document) (string, error) {
	stored, key, err := prepareDocument(doc)
	if err != nil {
		return "", err
	}
	data, err := p.codec.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	tag, err := p.pool.Exec(ctx,
		"INSERT INTO "+p.ident+" (key, doc) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING",
		key, data)
	if err != nil {
		return "", fmt.Errorf("postgres add %s: %w", p.name, err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrDuplicateKey
	}
	return key, nil
}

func (p *PostgresTable) Get(ctx context.Context, key string) (Document, bool, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, "SELECT doc FROM "+p.ident+" WHERE key = $1", key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("postgres get %s: %w", p.name, err)
	}
	doc, err := p.decode(key, data)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (p *PostgresTable) ToArray(ctx context.Context) ([]Document, error) {
	rows, err := p.pool.Query(ctx, "SELECT key, doc FROM "+p.ident+" ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("postgres scan %s: %w", p.name, err)
	}
	defer rows.Close()

	out := []Document{}
	for rows.Next() {
		var key string
		var data []byte
		if err = rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("postgres scan %s: %w", p.name, err)
		}
		doc, err := p.decode(key, data)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres scan %s: %w", p.name, err)
	}
	return out, nil
}

func (p *PostgresTable) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the pool only when the table opened it
func (p *PostgresTable) Close() error {
	if p.ownPool {
		p.pool.Close()
	}
	return nil
}

func (p *PostgresTable) decode(key string, data []byte) (Document, error) {
	var doc Document
	if err := p.codec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return doc, nil
}
