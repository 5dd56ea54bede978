package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/psc0des/sentinellayer/pkg/models"
)

type registryDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRegistry is the live-mode registry. Upserts keyed on the agent
// name give per-key write serialization without any process lock.
type PostgresRegistry struct {
	DB registryDB
}

func NewPostgresRegistry(db registryDB) *PostgresRegistry {
	return &PostgresRegistry{DB: db}
}

func (r *PostgresRegistry) Register(ctx context.Context, name, cardURL string) (models.AgentRecord, error) {
	if name == "" {
		return models.AgentRecord{}, fmt.Errorf("agent name is required")
	}
	row := r.DB.QueryRow(ctx, `
		INSERT INTO agents (name, card_url, registered_at, last_seen)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (name) DO UPDATE SET
			card_url = CASE WHEN EXCLUDED.card_url <> '' THEN EXCLUDED.card_url ELSE agents.card_url END,
			last_seen = GREATEST(agents.last_seen, now())
		RETURNING name, card_url, registered_at, last_seen,
		          total_proposed, approved, escalated, denied
	`, name, cardURL)
	return scanAgent(row)
}

func (r *PostgresRegistry) UpdateStats(ctx context.Context, name string, decision models.Decision) error {
	column := ""
	switch decision {
	case models.DecisionApproved:
		column = "approved"
	case models.DecisionEscalated:
		column = "escalated"
	case models.DecisionDenied:
		column = "denied"
	default:
		return fmt.Errorf("unknown decision %q", decision)
	}
	_, err := r.DB.Exec(ctx, fmt.Sprintf(`
		INSERT INTO agents (name, registered_at, last_seen, total_proposed, %[1]s)
		VALUES ($1, now(), now(), 1, 1)
		ON CONFLICT (name) DO UPDATE SET
			total_proposed = agents.total_proposed + 1,
			%[1]s = agents.%[1]s + 1,
			last_seen = GREATEST(agents.last_seen, now())
	`, column), name)
	return err
}

func (r *PostgresRegistry) Get(ctx context.Context, name string) (*models.AgentRecord, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT name, card_url, registered_at, last_seen,
		       total_proposed, approved, escalated, denied
		FROM agents WHERE name=$1`, name)
	rec, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *PostgresRegistry) List(ctx context.Context) ([]models.AgentRecord, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT name, card_url, registered_at, last_seen,
		       total_proposed, approved, escalated, denied
		FROM agents ORDER BY last_seen DESC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.AgentRecord{}
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanAgent(row pgx.Row) (models.AgentRecord, error) {
	var (
		rec                    models.AgentRecord
		registeredAt, lastSeen time.Time
	)
	if err := row.Scan(&rec.Name, &rec.CardURL, &registeredAt, &lastSeen,
		&rec.TotalProposed, &rec.Approved, &rec.Escalated, &rec.Denied); err != nil {
		return models.AgentRecord{}, err
	}
	rec.RegisteredAt = registeredAt
	rec.LastSeen = lastSeen
	return rec, nil
}
