package persist

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dgnsrekt/tunnelhub/internal/event"
	"github.com/dgnsrekt/tunnelhub/internal/mirror"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres stores the event log and the mirror in PostgreSQL. Counters are
// numeric(20,0) columns exchanged as decimal text so no value above 2^53 is
// rounded on the way in or out.
type Postgres struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a pool, verifies it with a ping and applies pending
// migrations.
func ConnectPostgres(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing pool. Migrate must be called separately.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate applies embedded migrations not yet recorded in schema_migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE name=$1)`, name).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if exists {
			continue
		}
		sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(name) VALUES($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *Postgres) AppendEvent(ctx context.Context, rec EventRecord) error {
	if rec.Digest == "" {
		rec.Digest = Digest(rec)
	}
	payload := string(rec.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO tunnel_events (endpoint_id, instance_id, kind, push_type, payload, event_time, digest)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		ON CONFLICT (digest) DO NOTHING`,
		rec.EndpointID, rec.InstanceID, string(rec.Kind), string(rec.PushType), payload, rec.EventTime, rec.Digest)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertInstanceMirror(ctx context.Context, inst mirror.Instance) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO tunnel_mirror (endpoint_id, instance_id, status, tcp_rx, tcp_tx, udp_rx, udp_tx, instance_type, url, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10)
		ON CONFLICT (endpoint_id, instance_id) DO UPDATE SET
			status = EXCLUDED.status,
			tcp_rx = EXCLUDED.tcp_rx,
			tcp_tx = EXCLUDED.tcp_tx,
			udp_rx = EXCLUDED.udp_rx,
			udp_tx = EXCLUDED.udp_tx,
			instance_type = EXCLUDED.instance_type,
			url = EXCLUDED.url,
			updated_at = EXCLUDED.updated_at
		WHERE tunnel_mirror.updated_at <= EXCLUDED.updated_at`,
		inst.EndpointID, inst.InstanceID, string(inst.Status),
		inst.Traffic.TCPRx.String(), inst.Traffic.TCPTx.String(),
		inst.Traffic.UDPRx.String(), inst.Traffic.UDPTx.String(),
		inst.Type, inst.URL, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert mirror %s/%s: %w", inst.EndpointID, inst.InstanceID, err)
	}
	return nil
}

func (p *Postgres) RemoveInstanceMirror(ctx context.Context, endpointID, instanceID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM tunnel_mirror WHERE endpoint_id=$1 AND instance_id=$2`, endpointID, instanceID); err != nil {
		return fmt.Errorf("remove mirror %s/%s: %w", endpointID, instanceID, err)
	}
	return nil
}

func (p *Postgres) QueryLatestMirror(ctx context.Context, endpointID string) ([]mirror.Instance, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT instance_id, status, tcp_rx::text, tcp_tx::text, udp_rx::text, udp_tx::text, instance_type, url, updated_at
		FROM tunnel_mirror WHERE endpoint_id=$1 ORDER BY instance_id`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("query mirror %s: %w", endpointID, err)
	}
	defer rows.Close()

	var out []mirror.Instance
	for rows.Next() {
		var inst mirror.Instance
		var status, tcpRx, tcpTx, udpRx, udpTx string
		if err := rows.Scan(&inst.InstanceID, &status, &tcpRx, &tcpTx, &udpRx, &udpTx, &inst.Type, &inst.URL, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan mirror %s: %w", endpointID, err)
		}
		inst.EndpointID = endpointID
		inst.Status = event.ParseStatus(status)
		for _, c := range []struct {
			dst *event.Counter
			src string
		}{
			{&inst.Traffic.TCPRx, tcpRx},
			{&inst.Traffic.TCPTx, tcpTx},
			{&inst.Traffic.UDPRx, udpRx},
			{&inst.Traffic.UDPTx, udpTx},
		} {
			v, err := strconv.ParseUint(c.src, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse counter for %s/%s: %w", endpointID, inst.InstanceID, err)
			}
			*c.dst = event.Counter(v)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read mirror %s: %w", endpointID, err)
	}
	return out, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
