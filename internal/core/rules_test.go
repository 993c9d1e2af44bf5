package core

import (
	"context"
	"testing"
	"time"

	"seqcore/internal/infra/persistence/memory"
	"seqcore/pkg/domain"
)

func TestFastqTransitionRuleBlocksIllegalEdge(t *testing.T) {
	store := memory.NewStore(DefaultRulesEngine())
	var file domain.FastqFile
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		session, err := tx.CreateLabSession(domain.LabSession{Labcode: "LAB200"})
		if err != nil {
			return err
		}
		file, err = tx.CreateFastqFile(domain.FastqFile{SessionID: session.ID, Labcode: "LAB200", Status: domain.FastqUploaded})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateFastqFile(file.ID, func(f *domain.FastqFile) error {
			f.Status = domain.FastqApproved // skipping WAIT_FOR_APPROVAL
			return nil
		})
		return err
	})
	var rve domain.RuleViolationError
	if !asRuleViolation(err, &rve) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	f, _ := store.GetFastqFile(file.ID)
	if f.Status != domain.FastqUploaded {
		t.Fatalf("blocked commit must not change status, got %s", f.Status)
	}
}

func TestEtlTransitionRuleBlocksRejectedRevival(t *testing.T) {
	store := memory.NewStore(DefaultRulesEngine())
	var result domain.EtlResult
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		session, err := tx.CreateLabSession(domain.LabSession{Labcode: "LAB201"})
		if err != nil {
			return err
		}
		result, err = tx.CreateEtlResult(domain.EtlResult{SessionID: session.ID, Labcode: "LAB201", Status: domain.EtlRejected})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateEtlResult(result.ID, func(r *domain.EtlResult) error {
			r.Status = domain.EtlProcessing
			return nil
		})
		return err
	})
	var rve domain.RuleViolationError
	if !asRuleViolation(err, &rve) {
		t.Fatalf("REJECTED is terminal, expected rule violation, got %v", err)
	}
}

func TestSingleProcessingRuleBlocksSecondInFlight(t *testing.T) {
	store := memory.NewStore(DefaultRulesEngine())
	var sessionID string
	start := time.Now().UTC()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		session, err := tx.CreateLabSession(domain.LabSession{Labcode: "LAB202"})
		if err != nil {
			return err
		}
		sessionID = session.ID
		_, err = tx.CreateEtlResult(domain.EtlResult{SessionID: sessionID, Labcode: "LAB202", Status: domain.EtlProcessing, StartTime: &start})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateEtlResult(domain.EtlResult{SessionID: sessionID, Labcode: "LAB202", Status: domain.EtlProcessing, StartTime: &start})
		return err
	})
	var rve domain.RuleViolationError
	if !asRuleViolation(err, &rve) {
		t.Fatalf("expected second PROCESSING row to be blocked, got %v", err)
	}
	if n := len(store.ListEtlResults()); n != 1 {
		t.Fatalf("expected single result row, got %d", n)
	}
	if !domain.IsConflict(asConflict(err)) {
		t.Fatalf("asConflict must map blocking violations to Conflict")
	}
}

func TestSingleProcessingRuleAllowsSecondSession(t *testing.T) {
	store := memory.NewStore(DefaultRulesEngine())
	start := time.Now().UTC()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		a, err := tx.CreateLabSession(domain.LabSession{Labcode: "LAB203"})
		if err != nil {
			return err
		}
		b, err := tx.CreateLabSession(domain.LabSession{Labcode: "LAB204"})
		if err != nil {
			return err
		}
		if _, err := tx.CreateEtlResult(domain.EtlResult{SessionID: a.ID, Labcode: "LAB203", Status: domain.EtlProcessing, StartTime: &start}); err != nil {
			return err
		}
		_, err = tx.CreateEtlResult(domain.EtlResult{SessionID: b.ID, Labcode: "LAB204", Status: domain.EtlProcessing, StartTime: &start})
		return err
	})
	if err != nil {
		t.Fatalf("distinct sessions may each have one PROCESSING row: %v", err)
	}
}

func asRuleViolation(err error, target *domain.RuleViolationError) bool {
	if err == nil {
		return false
	}
	if rve, ok := err.(domain.RuleViolationError); ok {
		*target = rve
		return true
	}
	return false
}
