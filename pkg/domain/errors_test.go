package domain

import (
	"fmt"
	"testing"
)

func TestErrorTaxonomyPredicates(t *testing.T) {
	nf := NotFoundError{Entity: EntityFastqFile, ID: "42"}
	if nf.Error() != "fastq_file 42 not found" {
		t.Fatalf("unexpected message: %s", nf.Error())
	}
	wrapped := fmt.Errorf("load: %w", nf)
	if !IsNotFound(wrapped) {
		t.Fatal("expected wrapped NotFoundError to match")
	}
	if IsConflict(wrapped) || IsValidation(wrapped) || IsForbidden(wrapped) {
		t.Fatal("predicates must not cross-match")
	}

	if !IsConflict(ConflictError{Message: "analysis already in progress"}) {
		t.Fatal("expected conflict match")
	}
	if !IsValidation(ValidationError{Field: "redoReason", Message: "required"}) {
		t.Fatal("expected validation match")
	}
	if !IsForbidden(ForbiddenError{Message: "not awaiting approval"}) {
		t.Fatal("expected forbidden match")
	}
}

func TestValidationErrorMessage(t *testing.T) {
	e := ValidationError{Field: "redoReason", Message: "required"}
	if e.Error() != "redoReason: required" {
		t.Fatalf("unexpected message: %s", e.Error())
	}
	bare := ValidationError{Message: "bad payload"}
	if bare.Error() != "bad payload" {
		t.Fatalf("unexpected message: %s", bare.Error())
	}
}

func TestResultMergeAndBlocking(t *testing.T) {
	var r Result
	r.Merge(Result{})
	if len(r.Violations) != 0 {
		t.Fatal("merging empty result should not allocate violations")
	}
	r.Merge(Result{Violations: []Violation{{Rule: "a", Severity: SeverityWarn}}})
	if r.HasBlocking() {
		t.Fatal("warn severity must not block")
	}
	r.Merge(Result{Violations: []Violation{{Rule: "b", Severity: SeverityBlock}}})
	if !r.HasBlocking() {
		t.Fatal("expected blocking violation")
	}
	if len(r.Violations) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(r.Violations))
	}
}
