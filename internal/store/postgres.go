package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS calls (
	interaction_id TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at       TIMESTAMPTZ,
	end_reason     TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS transcripts (
	id             BIGSERIAL PRIMARY KEY,
	interaction_id TEXT NOT NULL REFERENCES calls(interaction_id),
	tenant_id      TEXT NOT NULL,
	seq            BIGINT NOT NULL,
	type           TEXT NOT NULL,
	text           TEXT NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL,
	timestamp_ms   BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS transcripts_interaction_seq
	ON transcripts (interaction_id, seq) WHERE seq > 0;
CREATE INDEX IF NOT EXISTS transcripts_interaction_created
	ON transcripts (interaction_id, created_at);
`

// Postgres is a CallStore backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) InsertTranscript(ctx context.Context, t models.Transcript) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO calls (interaction_id, tenant_id) VALUES ($1, $2)
			 ON CONFLICT (interaction_id) DO NOTHING`,
			t.InteractionID, t.TenantID)
		if err != nil {
			return fmt.Errorf("upsert call: %w", err)
		}

		if t.Seq == models.SeqUnknown {
			_, err = tx.Exec(ctx,
				`INSERT INTO transcripts (interaction_id, tenant_id, seq, type, text, confidence, timestamp_ms)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				t.InteractionID, t.TenantID, t.Seq, string(t.Type), t.Text, t.Confidence, t.TimestampMs)
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO transcripts (interaction_id, tenant_id, seq, type, text, confidence, timestamp_ms)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (interaction_id, seq) WHERE seq > 0 DO UPDATE
				 SET type = EXCLUDED.type, text = EXCLUDED.text,
				     confidence = EXCLUDED.confidence, timestamp_ms = EXCLUDED.timestamp_ms
				 WHERE transcripts.type <> 'final' AND EXCLUDED.type = 'final'`,
				t.InteractionID, t.TenantID, t.Seq, string(t.Type), t.Text, t.Confidence, t.TimestampMs)
		}
		if err != nil {
			return fmt.Errorf("insert transcript: %w", err)
		}
		return nil
	})
}

func (p *Postgres) LatestTranscripts(ctx context.Context, interactionID string, afterSeq int64, limit int) ([]models.Transcript, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := p.pool.Query(ctx,
		`SELECT interaction_id, tenant_id, seq, type, text, confidence, timestamp_ms FROM (
			SELECT * FROM transcripts
			WHERE interaction_id = $1 AND (seq > $2 OR (seq = 0 AND $2 = 0))
			ORDER BY seq DESC, id DESC
			LIMIT $3
		 ) latest ORDER BY seq ASC, id ASC`,
		interactionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Transcript, error) {
		var t models.Transcript
		var typ string
		err := row.Scan(&t.InteractionID, &t.TenantID, &t.Seq, &typ, &t.Text, &t.Confidence, &t.TimestampMs)
		t.Type = models.TranscriptType(typ)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan transcripts: %w", err)
	}
	return out, nil
}

func (p *Postgres) EndCall(ctx context.Context, interactionID, reason string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO calls (interaction_id, ended_at, end_reason) VALUES ($1, now(), $2)
		 ON CONFLICT (interaction_id) DO UPDATE
		 SET ended_at = COALESCE(calls.ended_at, now()),
		     end_reason = CASE WHEN calls.ended_at IS NULL THEN EXCLUDED.end_reason ELSE calls.end_reason END`,
		interactionID, reason)
	if err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	return nil
}

func (p *Postgres) GetCall(ctx context.Context, interactionID string) (Call, error) {
	var c Call
	err := p.pool.QueryRow(ctx,
		`SELECT interaction_id, tenant_id, started_at, ended_at, end_reason FROM calls WHERE interaction_id = $1`,
		interactionID).Scan(&c.InteractionID, &c.TenantID, &c.StartedAt, &c.EndedAt, &c.EndReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, fmt.Errorf("get call: %w", err)
	}
	return c, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
