package db

import "testing"

func TestRebindNumbersPostgresPlaceholders(t *testing.T) {
	query := "UPDATE llm_providers SET name = ?, active = ? WHERE id = ?"
	got := Rebind(TypePostgres, query)
	want := "UPDATE llm_providers SET name = $1, active = $2 WHERE id = $3"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	// No placeholders: query passes through untouched.
	plain := "SELECT id FROM llm_providers ORDER BY name"
	if got := Rebind(TypePostgres, plain); got != plain {
		t.Errorf("rebind without placeholders = %q", got)
	}
}

func TestRebindLeavesOtherDialectsAlone(t *testing.T) {
	query := "DELETE FROM llm_request_logs WHERE created_at < ?"
	for _, dialect := range []Type{TypeSQLite, TypeMySQL} {
		if got := Rebind(dialect, query); got != query {
			t.Errorf("%s rebind = %q, want unchanged", dialect, got)
		}
	}
}
