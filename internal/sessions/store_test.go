package sessions

import (
	"path/filepath"
	"testing"

	"github.com/clawdbot/coreloop/pkg/models"
)

func TestStoreAppendAndGet(t *testing.T) {
	store := NewStore()
	store.Append("s1", models.ChatTurn{ID: "1", Role: models.RoleUser, Text: "hi"})
	store.Append("s1", models.ChatTurn{ID: "2", Role: models.RoleModel, Text: "hello"})

	got := store.Get("s1")
	if len(got) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(got))
	}

	got[0].Text = "mutated"
	if store.Get("s1")[0].Text != "hi" {
		t.Fatalf("Get must return a defensive copy")
	}
}

func TestStoreCheckpointRollback(t *testing.T) {
	store := NewStore()
	store.Append("s1", models.ChatTurn{ID: "1", Role: models.RoleUser, Text: "hi"})
	cp := store.Checkpoint("s1")

	store.Append("s1", models.ChatTurn{ID: "2", Role: models.RoleModel, Text: "reply"})
	if len(store.Get("s1")) != 2 {
		t.Fatalf("expected 2 turns before rollback")
	}

	store.Rollback("s1", cp)
	if len(store.Get("s1")) != 1 {
		t.Fatalf("expected 1 turn after rollback")
	}
}

func TestStoreTrimsToMaxTurns(t *testing.T) {
	store := NewStore()
	store.SetMaxTurns(2)
	store.Append("s1",
		models.ChatTurn{ID: "1", Role: models.RoleUser, Text: "a"},
		models.ChatTurn{ID: "2", Role: models.RoleModel, Text: "b"},
		models.ChatTurn{ID: "3", Role: models.RoleUser, Text: "c"},
	)

	got := store.Get("s1")
	if len(got) != 2 || got[0].ID != "2" || got[1].ID != "3" {
		t.Fatalf("expected trimmed history [2,3], got %+v", got)
	}
}

func TestStoreSaveAndLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := NewStore()
	store.Append("s1", models.ChatTurn{ID: "1", Role: models.RoleUser, Text: "hi"})

	if err := store.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	restored := NewStore()
	if err := restored.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	got := restored.Get("s1")
	if len(got) != 1 || got[0].Text != "hi" {
		t.Fatalf("expected restored history, got %+v", got)
	}
}

func TestStoreLoadFromMissingFileIsNotError(t *testing.T) {
	store := NewStore()
	if err := store.LoadFromFile(filepath.Join(t.TempDir(), "does-not-exist.json")); err != nil {
		t.Fatalf("LoadFromFile on missing file should not error: %v", err)
	}
}
