package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"seqcore/pkg/domain"
)

func TestSqliteSnapshotSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seqcore.db")
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx := context.Background()
	var sessionID string
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		s, err := tx.CreateLabSession(domain.LabSession{Labcode: "LAB-9", Barcode: "BC-9"})
		if err != nil {
			return err
		}
		sessionID = s.ID
		_, err = tx.CreateScheduledTask(domain.ScheduledEtlTask{
			EtlData:     []byte(`{"labcode":"LAB-9"}`),
			ScheduledAt: time.Date(2026, 4, 1, 10, 5, 0, 0, time.UTC),
		})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	if _, ok := reopened.GetLabSession(sessionID); !ok {
		t.Fatal("session lost across reopen")
	}
	tasks := reopened.ListScheduledTasks()
	if len(tasks) != 1 || tasks[0].Status != domain.TaskPending {
		t.Fatalf("task lost across reopen: %+v", tasks)
	}
}

func TestSqliteDefaultPath(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "nested", "dir", "db.sqlite"), nil)
	if err != nil {
		t.Fatalf("open with nested dirs: %v", err)
	}
	defer func() { _ = store.Close() }()
	if store.Path() == "" {
		t.Fatal("expected path to be recorded")
	}
}
