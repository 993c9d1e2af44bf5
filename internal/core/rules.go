package core

import (
	"context"
	"fmt"

	"seqcore/pkg/domain"
)

// FastqTransitionRule blocks illegal FastQ status transitions.
func FastqTransitionRule() domain.Rule { return fastqTransitionRule{} }

type fastqTransitionRule struct{}

func (fastqTransitionRule) Name() string { return "fastq_transition" }

func (fastqTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityFastqFile || change.Action != domain.ActionUpdate {
			continue
		}
		before, okB := change.Before.(domain.FastqFile)
		after, okA := change.After.(domain.FastqFile)
		if !okB || !okA {
			continue
		}
		if !domain.ValidFastqTransition(before.Status, after.Status) {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "fastq_transition",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("fastq file %s cannot move from %s to %s", after.ID, before.Status, after.Status),
				Entity:   domain.EntityFastqFile,
				EntityID: after.ID,
			})
		}
	}
	return res, nil
}

// EtlTransitionRule blocks illegal ETL result status transitions.
func EtlTransitionRule() domain.Rule { return etlTransitionRule{} }

type etlTransitionRule struct{}

func (etlTransitionRule) Name() string { return "etl_transition" }

func (etlTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityEtlResult || change.Action != domain.ActionUpdate {
			continue
		}
		before, okB := change.Before.(domain.EtlResult)
		after, okA := change.After.(domain.EtlResult)
		if !okB || !okA {
			continue
		}
		if !domain.ValidEtlTransition(before.Status, after.Status) {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "etl_transition",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("etl result %s cannot move from %s to %s", after.ID, before.Status, after.Status),
				Entity:   domain.EntityEtlResult,
				EntityID: after.ID,
			})
		}
	}
	return res, nil
}

// SingleProcessingRule blocks any commit that would leave more than one
// PROCESSING ETL result for a session. Evaluated inside the transaction
// boundary, which makes the exclusivity check atomic at the store level
// instead of a check-then-act in application code.
func SingleProcessingRule() domain.Rule { return singleProcessingRule{} }

type singleProcessingRule struct{}

func (singleProcessingRule) Name() string { return "single_processing_per_session" }

func (singleProcessingRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	touched := make(map[string]struct{})
	for _, change := range changes {
		if change.Entity != domain.EntityEtlResult {
			continue
		}
		if after, ok := change.After.(domain.EtlResult); ok && after.Status == domain.EtlProcessing {
			touched[after.SessionID] = struct{}{}
		}
	}
	res := domain.Result{}
	for sessionID := range touched {
		processing := 0
		for _, r := range view.EtlResultsBySession(sessionID) {
			if r.Status == domain.EtlProcessing {
				processing++
			}
		}
		if processing > 1 {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "single_processing_per_session",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("session %s already has an analysis in progress", sessionID),
				Entity:   domain.EntityEtlResult,
				EntityID: sessionID,
			})
		}
	}
	return res, nil
}

// DefaultRulesEngine returns an engine with the workflow rules registered.
func DefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(FastqTransitionRule())
	engine.Register(EtlTransitionRule())
	engine.Register(SingleProcessingRule())
	return engine
}
