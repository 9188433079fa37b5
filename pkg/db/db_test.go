package db

import (
	"path/filepath"
	"testing"

	"github.com/cloudbro-kube-ai/opshub/pkg/config"
)

func TestOpenSQLiteAppliesSchema(t *testing.T) {
	dir := t.TempDir()
	conn, dbType, err := Open(config.DatabaseConfig{Path: filepath.Join(dir, "llm.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if dbType != TypeSQLite {
		t.Errorf("type = %s, want sqlite", dbType)
	}
	for _, table := range []string{"llm_providers", "llm_request_logs", "prompt_templates"} {
		if _, err := conn.Query("SELECT * FROM " + table + " LIMIT 0"); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenRejectsUnknownType(t *testing.T) {
	if _, _, err := Open(config.DatabaseConfig{Type: "oracle"}); err == nil {
		t.Fatal("unknown database type must be rejected")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DatabaseConfig{Path: filepath.Join(dir, "llm.db")}

	conn, _, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	conn, _, err = Open(cfg)
	if err != nil {
		t.Fatalf("second open must succeed: %v", err)
	}
	conn.Close()
}
