package llm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudbro-kube-ai/opshub/pkg/db"
	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
)

// ErrProviderNotFound is returned when no provider matches the lookup.
var ErrProviderNotFound = errors.New("provider not found")

// Store persists providers, request logs and prompt templates.
type Store struct {
	db      *sql.DB
	dialect db.Type
	cipher  *Cipher

	// defaultsMu serializes SetDefault so the "exactly one default per
	// purpose" invariant holds even without DB-level transactions on
	// every backend.
	defaultsMu sync.Mutex
}

// NewStore wraps the SQL handle. The dialect is the one Open reported;
// statements are written with ? placeholders and rebound per backend.
func NewStore(conn *sql.DB, dialect db.Type, cipher *Cipher) *Store {
	return &Store{db: conn, dialect: dialect, cipher: cipher}
}

// q rebinds a statement's placeholders for the active backend.
func (s *Store) q(query string) string {
	return db.Rebind(s.dialect, query)
}

const providerColumns = `id, name, type, base_url, api_key_enc, model, organization,
	test_endpoint, timeout_sec, active, default_chat, default_workflow, created_at, updated_at`

func (s *Store) scanProvider(row interface{ Scan(...any) error }) (*Provider, error) {
	var (
		p                            Provider
		apiKeyEnc                    string
		defaultChat, defaultWorkflow bool
	)
	err := row.Scan(&p.ID, &p.Name, &p.Type, &p.Config.BaseURL, &apiKeyEnc,
		&p.Config.Model, &p.Config.Organization, &p.Config.TestEndpoint,
		&p.Config.TimeoutSec, &p.Active, &defaultChat, &defaultWorkflow,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning provider: %w", err)
	}
	p.Config.APIKey = apiKeyEnc // still encrypted; see DecryptedKey
	p.IsDefault = map[Purpose]bool{
		PurposeChat:     defaultChat,
		PurposeWorkflow: defaultWorkflow,
	}
	return &p, nil
}

// DecryptedKey returns the provider's API key in plaintext. Only the
// dispatcher calls this; API responses never carry the key.
func (s *Store) DecryptedKey(p *Provider) (string, error) {
	return s.cipher.Decrypt(p.Config.APIKey)
}

// List returns all providers ordered by name.
func (s *Store) List(ctx context.Context) ([]*Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+providerColumns+" FROM llm_providers ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		p, err := s.scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetByID returns one provider.
func (s *Store) GetByID(ctx context.Context, id string) (*Provider, error) {
	row := s.db.QueryRowContext(ctx,
		s.q("SELECT "+providerColumns+" FROM llm_providers WHERE id = ?"), id)
	return s.scanProvider(row)
}

// GetByName returns one provider by its unique name.
func (s *Store) GetByName(ctx context.Context, name string) (*Provider, error) {
	row := s.db.QueryRowContext(ctx,
		s.q("SELECT "+providerColumns+" FROM llm_providers WHERE name = ?"), name)
	return s.scanProvider(row)
}

// Create stores a new provider, encrypting its API key.
func (s *Store) Create(ctx context.Context, p *Provider) (*Provider, error) {
	if !ValidProviderType(p.Type) {
		return nil, httperr.Validation("unknown provider type", "type")
	}
	if p.Name == "" {
		return nil, httperr.Validation("provider name is required", "name")
	}
	enc, err := s.cipher.Encrypt(p.Config.APIKey)
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO llm_providers
			(id, name, type, base_url, api_key_enc, model, organization,
			 test_endpoint, timeout_sec, active, default_chat, default_workflow,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.Name, p.Type, p.Config.BaseURL, enc, p.Config.Model,
		p.Config.Organization, p.Config.TestEndpoint, p.Config.TimeoutSec,
		p.Active, false, false, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, httperr.New(httperr.CodeConflict,
				fmt.Sprintf("provider name %q is already in use", p.Name))
		}
		return nil, fmt.Errorf("creating provider: %w", err)
	}
	return s.GetByID(ctx, p.ID)
}

// Update rewrites mutable fields. An empty APIKey keeps the stored one.
func (s *Store) Update(ctx context.Context, id string, p *Provider) (*Provider, error) {
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	enc := current.Config.APIKey
	if p.Config.APIKey != "" {
		if enc, err = s.cipher.Encrypt(p.Config.APIKey); err != nil {
			return nil, err
		}
	}
	if p.Name == "" {
		p.Name = current.Name
	}
	if p.Type == "" {
		p.Type = current.Type
	} else if !ValidProviderType(p.Type) {
		return nil, httperr.Validation("unknown provider type", "type")
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		UPDATE llm_providers
		SET name = ?, type = ?, base_url = ?, api_key_enc = ?, model = ?,
			organization = ?, test_endpoint = ?, timeout_sec = ?, active = ?,
			updated_at = ?
		WHERE id = ?`),
		p.Name, p.Type, p.Config.BaseURL, enc, p.Config.Model,
		p.Config.Organization, p.Config.TestEndpoint, p.Config.TimeoutSec,
		p.Active, time.Now().UTC(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, httperr.New(httperr.CodeConflict,
				fmt.Sprintf("provider name %q is already in use", p.Name))
		}
		return nil, fmt.Errorf("updating provider: %w", err)
	}
	return s.GetByID(ctx, id)
}

// Delete removes a provider.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM llm_providers WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("deleting provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProviderNotFound
	}
	return nil
}

// SetDefault makes one provider the default for a purpose. The clear and
// set run in one transaction so exactly one default exists afterwards.
func (s *Store) SetDefault(ctx context.Context, id string, purpose Purpose) error {
	col, err := defaultColumn(purpose)
	if err != nil {
		return err
	}

	s.defaultsMu.Lock()
	defer s.defaultsMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		s.q("UPDATE llm_providers SET "+col+" = ?"), false); err != nil {
		return fmt.Errorf("clearing defaults: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		s.q("UPDATE llm_providers SET "+col+" = ?, updated_at = ? WHERE id = ?"),
		true, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("setting default: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProviderNotFound
	}
	return tx.Commit()
}

// GetDefault returns the default provider for a purpose, if any.
func (s *Store) GetDefault(ctx context.Context, purpose Purpose) (*Provider, error) {
	col, err := defaultColumn(purpose)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		s.q("SELECT "+providerColumns+" FROM llm_providers WHERE "+col+" = ? AND active = ?"),
		true, true)
	return s.scanProvider(row)
}

// ListByPurpose returns active providers marked default for the purpose
// first, then the rest.
func (s *Store) ListByPurpose(ctx context.Context, purpose Purpose) ([]*Provider, error) {
	col, err := defaultColumn(purpose)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT "+providerColumns+" FROM llm_providers WHERE active = ? ORDER BY "+col+" DESC, name"),
		true)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		p, err := s.scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func defaultColumn(purpose Purpose) (string, error) {
	switch purpose {
	case PurposeChat:
		return "default_chat", nil
	case PurposeWorkflow:
		return "default_workflow", nil
	default:
		return "", httperr.Validation("unknown purpose", "purpose")
	}
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
