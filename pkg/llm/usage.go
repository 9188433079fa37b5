package llm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
)

// RequestLog is one completed (or failed) dispatch, persisted for usage
// reporting.
type RequestLog struct {
	RequestID        string
	ProviderID       string
	Model            string
	Purpose          Purpose
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	DurationMs       int64
	Success          bool
	ErrorMsg         string
}

// LogRequest appends one dispatch record.
func (s *Store) LogRequest(ctx context.Context, rec RequestLog) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO llm_request_logs
			(request_id, provider_id, model, purpose, prompt_tokens,
			 completion_tokens, total_tokens, cost, duration_ms, success, error_msg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.RequestID, rec.ProviderID, rec.Model, rec.Purpose,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.Cost, rec.DurationMs, rec.Success, rec.ErrorMsg)
	if err != nil {
		return fmt.Errorf("logging request: %w", err)
	}
	return nil
}

// UsageDay is one day's aggregate for one provider.
type UsageDay struct {
	Date             string  `json:"date"`
	ProviderID       string  `json:"providerId"`
	Requests         int     `json:"requests"`
	Failures         int     `json:"failures"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	Cost             float64 `json:"cost"`
}

// Usage aggregates request logs per provider per day over the last N days.
// providerID narrows to one provider when non-empty.
func (s *Store) Usage(ctx context.Context, providerID string, days int) ([]UsageDay, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	query := `
		SELECT DATE(created_at) AS day, provider_id,
			COUNT(*),
			SUM(CASE WHEN success THEN 0 ELSE 1 END),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost), 0)
		FROM llm_request_logs
		WHERE created_at >= ?`
	args := []any{since}
	if providerID != "" {
		query += " AND provider_id = ?"
		args = append(args, providerID)
	}
	query += " GROUP BY day, provider_id ORDER BY day DESC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer rows.Close()

	var out []UsageDay
	for rows.Next() {
		var d UsageDay
		if err := rows.Scan(&d.Date, &d.ProviderID, &d.Requests, &d.Failures,
			&d.PromptTokens, &d.CompletionTokens, &d.TotalTokens, &d.Cost); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PruneLogs removes request logs older than the retention window.
func (s *Store) PruneLogs(ctx context.Context, retain time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retain)
	res, err := s.db.ExecContext(ctx,
		s.q("DELETE FROM llm_request_logs WHERE created_at < ?"), cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning request logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListTemplates returns all prompt templates.
func (s *Store) ListTemplates(ctx context.Context) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, template, variables, created_at, updated_at
		FROM prompt_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTemplate returns one template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (*Template, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, name, description, template, variables, created_at, updated_at
		FROM prompt_templates WHERE id = ?`), id)
	return scanTemplate(row)
}

// CreateTemplate stores a new prompt template.
func (s *Store) CreateTemplate(ctx context.Context, t *Template) (*Template, error) {
	if t.Name == "" || t.Template == "" {
		return nil, httperr.Validation("name and template are required", "name", "template")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	vars, err := json.Marshal(t.Variables)
	if err != nil {
		return nil, fmt.Errorf("encoding variables: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO prompt_templates (id, name, description, template, variables, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.Name, t.Description, t.Template, string(vars), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, httperr.New(httperr.CodeConflict,
				fmt.Sprintf("template name %q is already in use", t.Name))
		}
		return nil, fmt.Errorf("creating template: %w", err)
	}
	return s.GetTemplate(ctx, t.ID)
}

func scanTemplate(row interface{ Scan(...any) error }) (*Template, error) {
	var (
		t    Template
		vars string
	)
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Template, &vars,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, httperr.New(httperr.CodeNotFound, "template not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning template: %w", err)
	}
	if vars != "" {
		_ = json.Unmarshal([]byte(vars), &t.Variables)
	}
	return &t, nil
}
