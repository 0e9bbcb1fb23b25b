package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/stream-guard/internal/platform/db"
)

// Plain keys live in the row with an empty field; hash fields use their own name.
// expires_at NULL means no expiry. All expiry arithmetic uses the database
// clock so that several proxy instances agree.
const schema = `
CREATE TABLE IF NOT EXISTS stream_kv (
	key        text        NOT NULL,
	field      text        NOT NULL DEFAULT '',
	value      bytea       NOT NULL,
	expires_at timestamptz,
	PRIMARY KEY (key, field)
);
CREATE INDEX IF NOT EXISTS stream_kv_expires_at_idx ON stream_kv (expires_at) WHERE expires_at IS NOT NULL;
`

// expiryExpr renders the expires_at value for a ttl in seconds bound at
// placeholder n; a non-positive ttl means no expiry.
func expiryExpr(n int) string {
	return fmt.Sprintf("CASE WHEN $%[1]d::float8 > 0 THEN now() + make_interval(secs => $%[1]d::float8) END", n)
}

const sweepInterval = time.Minute

type postgresStore struct {
	pool *pgxpool.Pool
	stop chan struct{}
	done chan struct{}
}

func newPostgresStore(ctx context.Context, dsn string) (*postgresStore, error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate stream_kv: %w", err)
	}
	s := &postgresStore{pool: pool, stop: make(chan struct{}), done: make(chan struct{})}
	go s.sweep()
	return s, nil
}

// sweep deletes expired rows; reads already ignore them, this only bounds
// table growth.
func (s *postgresStore) sweep() {
	defer close(s.done)
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, _ = s.pool.Exec(ctx, `DELETE FROM stream_kv WHERE expires_at IS NOT NULL AND expires_at <= now()`)
			cancel()
		}
	}
}

func (s *postgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.HashGet(ctx, key, "")
}

func (s *postgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	q := `INSERT INTO stream_kv (key, field, value, expires_at)
	      VALUES ($1, $2, $3, ` + expiryExpr(4) + `)
	      ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`
	_, err := s.pool.Exec(ctx, q, key, "", value, ttl.Seconds())
	return err
}

// SetNX uses INSERT ... ON CONFLICT so that only an absent or expired row is
// overwritten.
func (s *postgresStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	q := `INSERT INTO stream_kv (key, field, value, expires_at)
	      VALUES ($1, $2, $3, ` + expiryExpr(4) + `)
	      ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	      WHERE stream_kv.expires_at IS NOT NULL AND stream_kv.expires_at <= now()`
	tag, err := s.pool.Exec(ctx, q, key, "", value, ttl.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// HashSet writes every field in one batch (one round trip, one implicit
// transaction). New fields inherit the key's current expiry.
func (s *postgresStore) HashSet(ctx context.Context, key string, fields map[string][]byte) error {
	if len(fields) == 0 {
		return nil
	}
	const q = `INSERT INTO stream_kv (key, field, value, expires_at)
	           VALUES ($1, $2, $3, (SELECT max(expires_at) FROM stream_kv WHERE key = $1))
	           ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value`
	b := &pgx.Batch{}
	for f, v := range fields {
		if f == "" {
			return errors.New("hash field must not be empty")
		}
		b.Queue(q, key, f, v)
	}
	br := s.pool.SendBatch(ctx, b)
	for range fields {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

// HashSetTTL writes the fields and moves every field of key to the new
// expiry. A batch runs as one implicit transaction.
func (s *postgresStore) HashSetTTL(ctx context.Context, key string, fields map[string][]byte, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	q := `INSERT INTO stream_kv (key, field, value, expires_at)
	      VALUES ($1, $2, $3, ` + expiryExpr(4) + `)
	      ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`
	b := &pgx.Batch{}
	for f, v := range fields {
		if f == "" {
			return errors.New("hash field must not be empty")
		}
		b.Queue(q, key, f, v, ttl.Seconds())
	}
	b.Queue(`UPDATE stream_kv SET expires_at = `+expiryExpr(2)+` WHERE key = $1`, key, ttl.Seconds())
	br := s.pool.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

// Hit locks the counter row for the read-modify-write. The row is created
// already expired if missing so that FOR UPDATE always has a row to lock.
func (s *postgresStore) Hit(ctx context.Context, key string, now time.Time, lim HitLimits) (Counter, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Counter{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO stream_kv (key, field, value, expires_at)
	                           VALUES ($1, '', '\x'::bytea, now())
	                           ON CONFLICT (key, field) DO NOTHING`, key); err != nil {
		return Counter{}, false, err
	}
	var (
		raw  []byte
		live bool
	)
	if err := tx.QueryRow(ctx, `SELECT value, (expires_at IS NULL OR expires_at > now())
	                            FROM stream_kv WHERE key = $1 AND field = '' FOR UPDATE`, key).Scan(&raw, &live); err != nil {
		return Counter{}, false, err
	}
	var c Counter
	found := live && json.Unmarshal(raw, &c) == nil

	c, counted := applyHit(c, found, now.UnixMilli(), lim)
	if !counted {
		return c, false, nil
	}
	out, err := json.Marshal(c)
	if err != nil {
		return Counter{}, false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE stream_kv SET value = $2, expires_at = `+expiryExpr(3)+`
	                           WHERE key = $1 AND field = ''`, key, out, lim.Window.Seconds()); err != nil {
		return Counter{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Counter{}, false, err
	}
	return c, true, nil
}

func (s *postgresStore) HashGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	const q = `SELECT value FROM stream_kv
	           WHERE key = $1 AND field = $2 AND (expires_at IS NULL OR expires_at > now())`
	var v []byte
	if err := s.pool.QueryRow(ctx, q, key, field).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

func (s *postgresStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	q := `UPDATE stream_kv SET expires_at = ` + expiryExpr(2) + ` WHERE key = $1`
	_, err := s.pool.Exec(ctx, q, key, ttl.Seconds())
	return err
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *postgresStore) Close() error {
	close(s.stop)
	<-s.done
	s.pool.Close()
	return nil
}
