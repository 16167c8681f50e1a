package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/campus-share/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq         BIGSERIAL PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	new_status  TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	audience    TEXT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS events_entity_idx ON events (entity_type, entity_id);
`

type PostgresJournal struct {
	db *sqlx.DB
}

type eventRow struct {
	Seq        int64          `db:"seq"`
	EntityType string         `db:"entity_type"`
	EntityID   string         `db:"entity_id"`
	NewStatus  string         `db:"new_status"`
	OccurredAt time.Time      `db:"occurred_at"`
	Audience   pq.StringArray `db:"audience"`
}

func NewPostgresJournal(ctx context.Context, dsn string) (*PostgresJournal, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresJournal{db: db}, nil
}

// Migrate creates the events table when missing.
func (p *PostgresJournal) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresJournal) Publish(ctx context.Context, ev models.Event) error {
	audience := ev.Audience
	if audience == nil {
		audience = []string{}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO events (entity_type, entity_id, new_status, occurred_at, audience) VALUES ($1, $2, $3, $4, $5)`,
		string(ev.EntityType), ev.EntityID, ev.NewStatus, ev.Timestamp, pq.Array(audience))
	return err
}

func (p *PostgresJournal) List(ctx context.Context, f Filter) ([]models.Event, error) {
	query, args := buildListQuery(f)
	var rows []eventRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]models.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Event{
			EntityType: models.EntityType(r.EntityType),
			EntityID:   r.EntityID,
			NewStatus:  r.NewStatus,
			Timestamp:  r.OccurredAt,
			Audience:   []string(r.Audience),
		})
	}
	return out, nil
}

func buildListQuery(f Filter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.EntityType != "" {
		add("entity_type = $%d", string(f.EntityType))
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.Recipient != "" {
		add("$%d = ANY(audience)", f.Recipient)
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since)
	}

	q := "SELECT seq, entity_type, entity_id, new_status, occurred_at, audience FROM events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return q, args
}

func (p *PostgresJournal) Close() error {
	return p.db.Close()
}
