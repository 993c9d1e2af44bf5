package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"seqcore/pkg/domain"
)

func TestTransactionCommitAndReadBack(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()

	var session domain.LabSession
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		session, err = tx.CreateLabSession(domain.LabSession{Labcode: "LAB-1", Barcode: "BC-1"})
		if err != nil {
			return err
		}
		_, err = tx.CreateFastqFile(domain.FastqFile{SessionID: session.ID, Labcode: "LAB-1"})
		return err
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	got, ok := store.GetLabSession(session.ID)
	if !ok || got.Labcode != "LAB-1" {
		t.Fatalf("session not committed: %v %v", got, ok)
	}
	files := store.ListFastqFiles()
	if len(files) != 1 || files[0].Status != domain.FastqUploaded {
		t.Fatalf("expected one UPLOADED fastq file, got %+v", files)
	}
}

func TestTransactionRollbackOnError(t *testing.T) {
	store := NewStore(nil)
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateLabSession(domain.LabSession{Labcode: "LAB-2"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if sessions := store.ListLabSessions(); len(sessions) != 0 {
		t.Fatalf("rollback leaked state: %+v", sessions)
	}
}

type blockEverything struct{}

func (blockEverything) Name() string { return "block_everything" }

func (blockEverything) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	if len(changes) == 0 {
		return domain.Result{}, nil
	}
	return domain.Result{Violations: []domain.Violation{{
		Rule:     "block_everything",
		Severity: domain.SeverityBlock,
		Message:  "no",
	}}}, nil
}

func TestBlockingRuleAbortsCommit(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(blockEverything{})
	store := NewStore(engine)

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateLabSession(domain.LabSession{Labcode: "LAB-3"})
		return err
	})
	var rve domain.RuleViolationError
	if !errors.As(err, &rve) {
		t.Fatalf("expected RuleViolationError, got %v", err)
	}
	if len(store.ListLabSessions()) != 0 {
		t.Fatal("blocked transaction must not commit")
	}
}

func TestSessionIdentityFieldsImmutable(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	var id string
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		s, err := tx.CreateLabSession(domain.LabSession{Labcode: "LAB-4", Barcode: "BC-4"})
		id = s.ID
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateLabSession(id, func(s *domain.LabSession) error {
			s.Labcode = "EVIL"
			s.PatientName = "Jane Doe"
			return nil
		})
		return err
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := store.GetLabSession(id)
	if got.Labcode != "LAB-4" {
		t.Fatalf("labcode mutated to %s", got.Labcode)
	}
	if got.PatientName != "Jane Doe" {
		t.Fatalf("mutable metadata not applied: %+v", got)
	}
}

func TestUpdateMissingRecordReturnsNotFound(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateEtlResult("missing", func(*domain.EtlResult) error { return nil })
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestSnapshotExportImportRoundTrip(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	start := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		s, err := tx.CreateLabSession(domain.LabSession{Labcode: "LAB-5"})
		if err != nil {
			return err
		}
		_, err = tx.CreateEtlResult(domain.EtlResult{
			SessionID: s.ID,
			Labcode:   "LAB-5",
			Status:    domain.EtlProcessing,
			StartTime: &start,
		})
		if err != nil {
			return err
		}
		_, err = tx.CreateScheduledTask(domain.ScheduledEtlTask{
			EtlData:     []byte(`{"labcode":"LAB-5"}`),
			ScheduledAt: start.Add(5 * time.Minute),
		})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	snap := store.ExportState()
	restored := NewStore(nil)
	restored.ImportState(snap)

	if len(restored.ListLabSessions()) != 1 {
		t.Fatal("session missing after import")
	}
	results := restored.ListEtlResults()
	if len(results) != 1 || results[0].StartTime == nil || !results[0].StartTime.Equal(start) {
		t.Fatalf("etl result did not round-trip: %+v", results)
	}
	tasks := restored.ListScheduledTasks()
	if len(tasks) != 1 || tasks[0].Status != domain.TaskPending {
		t.Fatalf("task did not round-trip: %+v", tasks)
	}
	if string(tasks[0].EtlData) != `{"labcode":"LAB-5"}` {
		t.Fatalf("payload did not round-trip: %s", tasks[0].EtlData)
	}
}

func TestSessionScopedQueriesAreSorted(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	tick := 0
	restore := store.SetNow(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})
	defer restore()

	var sessionID string
	for i := 0; i < 3; i++ {
		if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			if sessionID == "" {
				s, err := tx.CreateLabSession(domain.LabSession{Labcode: "LAB-6"})
				if err != nil {
					return err
				}
				sessionID = s.ID
			}
			_, err := tx.CreateFastqFile(domain.FastqFile{SessionID: sessionID, Status: domain.FastqWaitForApproval})
			return err
		}); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	err := store.View(ctx, func(v domain.RuleView) error {
		files := v.FastqFilesBySession(sessionID)
		if len(files) != 3 {
			t.Fatalf("expected 3 files, got %d", len(files))
		}
		for i := 1; i < len(files); i++ {
			if files[i].CreatedAt.After(files[i-1].CreatedAt) {
				t.Fatal("files not sorted newest-first")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
