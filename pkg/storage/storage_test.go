package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dougsko/k4d/pkg/engine"
	"github.com/dougsko/k4d/pkg/protocol"
	"github.com/dougsko/k4d/pkg/session"
)

var (
	_ session.Store          = (*Store)(nil)
	_ engine.CommandRecorder = (*Store)(nil)
)

func newTestStore(t *testing.T, maxHistory int) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "k4d.db"), maxHistory)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRadio(id string) protocol.RadioConfig {
	return protocol.RadioConfig{
		ID:          id,
		Name:        "K4 " + id,
		Host:        "192.168.1.10",
		Port:        9205,
		Password:    "secret",
		Enabled:     true,
		Description: "test radio",
	}
}

func TestNewStore(t *testing.T) {
	t.Run("Nested Directory", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "nested", "dir", "k4d.db")
		store, err := NewStore(dbPath, 10)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		defer store.Close()

		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			t.Error("Expected database file to be created")
		}
	})

	t.Run("Reopen Keeps Data", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "k4d.db")
		store, err := NewStore(dbPath, 10)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if err := store.CreateRadio(testRadio("a")); err != nil {
			t.Fatalf("Failed to create radio: %v", err)
		}
		store.Close()

		store, err = NewStore(dbPath, 10)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		defer store.Close()
		radios, err := store.ListRadios()
		if err != nil || len(radios) != 1 {
			t.Fatalf("Expected 1 radio, got %d (%v)", len(radios), err)
		}
	})
}

func TestRadios(t *testing.T) {
	store := newTestStore(t, 10)

	for _, id := range []string{"a", "b", "c"} {
		if err := store.CreateRadio(testRadio(id)); err != nil {
			t.Fatalf("Failed to create radio %s: %v", id, err)
		}
	}

	t.Run("List Keeps Order", func(t *testing.T) {
		radios, err := store.ListRadios()
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(radios) != 3 || radios[0].ID != "a" || radios[2].ID != "c" {
			t.Fatalf("Expected radios a, b, c, got %+v", radios)
		}
		if radios[0].Password != "secret" || !radios[0].Enabled || radios[0].LastConnected != nil {
			t.Errorf("Expected fields to round trip, got %+v", radios[0])
		}
	})

	t.Run("Update", func(t *testing.T) {
		rc := testRadio("b")
		rc.Host = "10.0.0.2"
		rc.Enabled = false
		if err := store.UpdateRadio(rc); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		got, err := store.GetRadio("b")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if got.Host != "10.0.0.2" || got.Enabled {
			t.Errorf("Expected updated host and disabled radio, got %+v", got)
		}

		if err := store.UpdateRadio(testRadio("zz")); !errors.Is(err, protocol.ErrRadioNotFound) {
			t.Errorf("Expected ErrRadioNotFound, got %v", err)
		}
	})

	t.Run("Mark Connected", func(t *testing.T) {
		at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		if err := store.MarkConnected("a", at); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		got, _ := store.GetRadio("a")
		if got.LastConnected == nil || !got.LastConnected.Equal(at) {
			t.Errorf("Expected last connected %v, got %v", at, got.LastConnected)
		}
	})

	t.Run("Active ID", func(t *testing.T) {
		if id, _ := store.ActiveID(); id != "" {
			t.Errorf("Expected no active radio, got %q", id)
		}
		if err := store.SetActiveID("c"); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if err := store.SetActiveID("b"); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if id, _ := store.ActiveID(); id != "b" {
			t.Errorf("Expected active radio b, got %q", id)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := store.DeleteRadio("b"); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if id, _ := store.ActiveID(); id != "" {
			t.Errorf("Expected active id cleared with its radio, got %q", id)
		}
		if _, err := store.GetRadio("b"); !errors.Is(err, protocol.ErrRadioNotFound) {
			t.Errorf("Expected ErrRadioNotFound, got %v", err)
		}
		if err := store.DeleteRadio("b"); !errors.Is(err, protocol.ErrRadioNotFound) {
			t.Errorf("Expected ErrRadioNotFound, got %v", err)
		}
	})

	t.Run("Last Radio Kept", func(t *testing.T) {
		if err := store.DeleteRadio("c"); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		err := store.DeleteRadio("a")
		if !errors.Is(err, protocol.ErrConfigInvariantViolation) {
			t.Fatalf("Expected ErrConfigInvariantViolation, got %v", err)
		}
		radios, _ := store.ListRadios()
		if len(radios) != 1 {
			t.Errorf("Expected the radio set unchanged, got %d radios", len(radios))
		}
	})
}

func TestCommandHistory(t *testing.T) {
	store := newTestStore(t, 5)

	for i := 0; i < 8; i++ {
		radio := "a"
		if i%2 == 1 {
			radio = "b"
		}
		if err := store.RecordCommand(radio, "client-1", fmt.Sprintf("FA%011d;", 14074000+i)); err != nil {
			t.Fatalf("Failed to record command: %v", err)
		}
	}

	t.Run("Bounded", func(t *testing.T) {
		records, err := store.GetHistory(HistoryQuery{})
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(records) != 5 {
			t.Fatalf("Expected 5 records, got %d", len(records))
		}
		if records[0].Command != "FA00014074007;" {
			t.Errorf("Expected newest command first, got %s", records[0].Command)
		}
	})

	t.Run("Filters", func(t *testing.T) {
		records, _ := store.GetHistory(HistoryQuery{RadioID: "b"})
		for _, r := range records {
			if r.RadioID != "b" {
				t.Errorf("Expected only radio b, got %s", r.RadioID)
			}
		}
		records, _ = store.GetHistory(HistoryQuery{Limit: 2, Offset: 1})
		if len(records) != 2 || records[0].Command != "FA00014074006;" {
			t.Errorf("Expected paged records, got %+v", records)
		}
		records, _ = store.GetHistory(HistoryQuery{Prefix: "md"})
		if len(records) != 0 {
			t.Errorf("Expected no MD commands, got %d", len(records))
		}
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := store.GetHistoryStats()
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if stats.TotalCommands != 8 || stats.Stored != 5 {
			t.Errorf("Expected 8 total and 5 stored, got %+v", stats)
		}
		if stats.LastCleanup == nil {
			t.Error("Expected a cleanup timestamp")
		}
	})
}

func TestRouterWithStore(t *testing.T) {
	store := newTestStore(t, 10)
	router := session.NewRouter(store, nil, nil, nil, store)
	defer router.Close()

	rc, err := router.AddRadio(protocol.RadioConfig{Name: "Shack", Host: "10.0.0.9", Enabled: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := router.DeleteRadio(rc.ID); !errors.Is(err, protocol.ErrConfigInvariantViolation) {
		t.Errorf("Expected ErrConfigInvariantViolation, got %v", err)
	}
}
