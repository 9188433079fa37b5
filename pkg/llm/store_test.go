package llm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cloudbro-kube-ai/opshub/pkg/config"
	"github.com/cloudbro-kube-ai/opshub/pkg/db"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testStore(t *testing.T) *Store {
	t.Helper()
	conn, dialect, err := db.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "llm.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	cipher, err := NewCipher(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	return NewStore(conn, dialect, cipher)
}

func TestStoreReboundStatementsPerDialect(t *testing.T) {
	s := &Store{dialect: db.TypePostgres}
	got := s.q("DELETE FROM llm_providers WHERE id = ?")
	if got != "DELETE FROM llm_providers WHERE id = $1" {
		t.Errorf("postgres statement = %q", got)
	}

	s = &Store{dialect: db.TypeSQLite}
	query := "DELETE FROM llm_providers WHERE id = ?"
	if got := s.q(query); got != query {
		t.Errorf("sqlite statement = %q, want unchanged", got)
	}
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := c.Encrypt("sk-secret-key")
	if err != nil {
		t.Fatal(err)
	}
	if enc == "sk-secret-key" {
		t.Fatal("ciphertext equals plaintext")
	}
	dec, err := c.Decrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != "sk-secret-key" {
		t.Errorf("decrypted = %q", dec)
	}

	if _, err := NewCipher("short"); err == nil {
		t.Error("short secret must be rejected")
	}
}

func TestProviderCRUDKeepsKeyEncrypted(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, &Provider{
		Name:   "openai-main",
		Type:   TypeOpenAI,
		Active: true,
		Config: ProviderConfig{APIKey: "sk-test", Model: "gpt-4o-mini"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if created.Config.APIKey == "sk-test" {
		t.Fatal("api key stored in plaintext")
	}
	key, err := s.DecryptedKey(created)
	if err != nil {
		t.Fatal(err)
	}
	if key != "sk-test" {
		t.Errorf("decrypted key = %q", key)
	}

	// Duplicate name rejected.
	if _, err := s.Create(ctx, &Provider{Name: "openai-main", Type: TypeOpenAI}); err == nil {
		t.Error("duplicate name must conflict")
	}

	// Update without a key keeps the stored one.
	updated, err := s.Update(ctx, created.ID, &Provider{
		Config: ProviderConfig{Model: "gpt-4o"},
		Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if key, _ := s.DecryptedKey(updated); key != "sk-test" {
		t.Errorf("key after update = %q, want original", key)
	}
	if updated.Config.Model != "gpt-4o" {
		t.Errorf("model = %q", updated.Config.Model)
	}

	if err := s.Delete(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetByID(ctx, created.ID); err != ErrProviderNotFound {
		t.Errorf("get after delete = %v, want ErrProviderNotFound", err)
	}
}

func TestSetDefaultIsExclusive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		p, err := s.Create(ctx, &Provider{Name: name, Type: TypeOpenAI, Active: true})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, p.ID)
	}

	for _, id := range ids {
		if err := s.SetDefault(ctx, id, PurposeChat); err != nil {
			t.Fatal(err)
		}
		providers, err := s.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		defaults := 0
		for _, p := range providers {
			if p.IsDefault[PurposeChat] {
				defaults++
				if p.ID != id {
					t.Errorf("default is %s, want %s", p.ID, id)
				}
			}
		}
		if defaults != 1 {
			t.Fatalf("defaults = %d, want exactly 1", defaults)
		}
	}

	// Defaults per purpose are independent.
	if err := s.SetDefault(ctx, ids[0], PurposeWorkflow); err != nil {
		t.Fatal(err)
	}
	chatDefault, err := s.GetDefault(ctx, PurposeChat)
	if err != nil {
		t.Fatal(err)
	}
	if chatDefault.ID != ids[2] {
		t.Errorf("chat default = %s, want %s", chatDefault.ID, ids[2])
	}
	wfDefault, err := s.GetDefault(ctx, PurposeWorkflow)
	if err != nil {
		t.Fatal(err)
	}
	if wfDefault.ID != ids[0] {
		t.Errorf("workflow default = %s, want %s", wfDefault.ID, ids[0])
	}

	if err := s.SetDefault(ctx, "missing", PurposeChat); err != ErrProviderNotFound {
		t.Errorf("set-default on missing = %v", err)
	}
}

func TestUsageAggregation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.LogRequest(ctx, RequestLog{
			RequestID:        "r",
			ProviderID:       "p1",
			Model:            "gpt-4o-mini",
			Purpose:          PurposeChat,
			PromptTokens:     100,
			CompletionTokens: 50,
			TotalTokens:      150,
			Cost:             0.01,
			Success:          i != 2,
		}); err != nil {
			t.Fatal(err)
		}
	}

	usage, err := s.Usage(ctx, "p1", 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(usage) != 1 {
		t.Fatalf("usage rows = %d, want 1", len(usage))
	}
	day := usage[0]
	if day.Requests != 3 || day.Failures != 1 || day.TotalTokens != 450 {
		t.Errorf("aggregate = %+v", day)
	}
}

func TestTemplateCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created, err := s.CreateTemplate(ctx, &Template{
		Name:      "triage",
		Template:  "Summarize the incident: {{.description}}",
		Variables: []string{"description"},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTemplate(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Variables) != 1 || got.Variables[0] != "description" {
		t.Errorf("variables = %v", got.Variables)
	}

	if _, err := s.CreateTemplate(ctx, &Template{Name: "triage", Template: "x"}); err == nil {
		t.Error("duplicate template name must conflict")
	}
	if _, err := s.CreateTemplate(ctx, &Template{Name: "empty"}); err == nil {
		t.Error("template body is required")
	}
}
