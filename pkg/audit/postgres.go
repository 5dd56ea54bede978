package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/psc0des/sentinellayer/pkg/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLog is the live-mode audit log. Per-key write serialization comes
// from the primary-key constraint on action_id.
type PostgresLog struct {
	DB auditDB
}

func NewPostgresLog(db auditDB) *PostgresLog {
	return &PostgresLog{DB: db}
}

func (l *PostgresLog) Record(ctx context.Context, v *models.GovernanceVerdict) error {
	if v.ActionID == "" {
		return fmt.Errorf("verdict has no action_id")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	_, err = l.DB.Exec(ctx, `
		INSERT INTO verdicts
		(action_id, agent_id, action_type, resource_id, resource_type, decision,
		 sri_infrastructure, sri_policy, sri_historical, sri_cost, sri_composite,
		 violations, verdict, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (action_id) DO NOTHING
	`, v.ActionID, v.AgentID, string(v.ActionType), v.ResourceID, v.ResourceType,
		string(v.Decision), v.SRI.Infrastructure, v.SRI.Policy, v.SRI.Historical,
		v.SRI.Cost, v.SRI.Composite, v.Violations, raw, v.Timestamp)
	return err
}

func (l *PostgresLog) GetByID(ctx context.Context, actionID string) (*models.GovernanceVerdict, error) {
	var raw []byte
	err := l.DB.QueryRow(ctx, `SELECT verdict FROM verdicts WHERE action_id=$1`, actionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var v models.GovernanceVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parse verdict %s: %w", actionID, err)
	}
	return &v, nil
}

func (l *PostgresLog) GetRecent(ctx context.Context, limit int, resourceSubstring string) ([]Summary, error) {
	limit = ClampLimit(limit)
	query := `
		SELECT action_id, created_at, decision, sri_composite, resource_id,
		       resource_type, action_type, agent_id, violations
		FROM verdicts`
	args := []any{}
	if resourceSubstring != "" {
		query += ` WHERE resource_id LIKE '%' || $1 || '%'`
		args = append(args, resourceSubstring)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, action_id ASC LIMIT %d`, limit)
	rows, err := l.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (l *PostgresLog) GetByAgent(ctx context.Context, agentID string, limit int) ([]Summary, error) {
	limit = ClampLimit(limit)
	rows, err := l.DB.Query(ctx, fmt.Sprintf(`
		SELECT action_id, created_at, decision, sri_composite, resource_id,
		       resource_type, action_type, agent_id, violations
		FROM verdicts WHERE agent_id=$1
		ORDER BY created_at DESC, action_id ASC LIMIT %d`, limit), agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (l *PostgresLog) Aggregate(ctx context.Context) (Stats, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT decision, sri_infrastructure, sri_policy, sri_historical,
		       sri_cost, sri_composite, violations, resource_id
		FROM verdicts`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	stat := []statRow{}
	for rows.Next() {
		var (
			decision   string
			sri        models.SRI
			violations []string
			resourceID string
		)
		if err := rows.Scan(&decision, &sri.Infrastructure, &sri.Policy,
			&sri.Historical, &sri.Cost, &sri.Composite, &violations, &resourceID); err != nil {
			return Stats{}, err
		}
		stat = append(stat, statRow{
			decision:   models.Decision(decision),
			sri:        sri,
			violations: violations,
			resourceID: resourceID,
		})
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	return aggregate(stat), nil
}

func scanSummaries(rows pgx.Rows) ([]Summary, error) {
	out := []Summary{}
	for rows.Next() {
		var (
			s          Summary
			createdAt  time.Time
			decision   string
			actionType string
		)
		if err := rows.Scan(&s.ActionID, &createdAt, &decision, &s.Composite,
			&s.ResourceID, &s.ResourceType, &actionType, &s.AgentID, &s.Violations); err != nil {
			return nil, err
		}
		s.Timestamp = createdAt
		s.Decision = models.Decision(decision)
		s.ActionType = models.ActionType(actionType)
		if s.Violations == nil {
			s.Violations = []string{}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
