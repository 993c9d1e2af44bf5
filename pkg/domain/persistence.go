package domain

import "context"

// Transaction exposes the domain mutations that a persistence implementation
// must support within an atomic scope. The workflow is append-only: records
// are created and updated, never deleted.
type Transaction interface {
	Snapshot() RuleView
	CreateLabSession(LabSession) (LabSession, error)
	UpdateLabSession(id string, mutator func(*LabSession) error) (LabSession, error)
	CreateFastqFile(FastqFile) (FastqFile, error)
	UpdateFastqFile(id string, mutator func(*FastqFile) error) (FastqFile, error)
	CreateFastqFilePair(FastqFilePair) (FastqFilePair, error)
	UpdateFastqFilePair(id string, mutator func(*FastqFilePair) error) (FastqFilePair, error)
	CreateEtlResult(EtlResult) (EtlResult, error)
	UpdateEtlResult(id string, mutator func(*EtlResult) error) (EtlResult, error)
	CreateScheduledTask(ScheduledEtlTask) (ScheduledEtlTask, error)
	UpdateScheduledTask(id string, mutator func(*ScheduledEtlTask) error) (ScheduledEtlTask, error)
	FindLabSession(id string) (LabSession, bool)
	FindFastqFile(id string) (FastqFile, bool)
	FindFastqFilePair(id string) (FastqFilePair, bool)
	FindEtlResult(id string) (EtlResult, bool)
	EtlResultsBySession(sessionID string) []EtlResult
	FastqFilesBySession(sessionID string) []FastqFile
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of record-store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(RuleView) error) error
	GetLabSession(id string) (LabSession, bool)
	ListLabSessions() []LabSession
	GetFastqFile(id string) (FastqFile, bool)
	ListFastqFiles() []FastqFile
	GetFastqFilePair(id string) (FastqFilePair, bool)
	GetEtlResult(id string) (EtlResult, bool)
	ListEtlResults() []EtlResult
	GetScheduledTask(id string) (ScheduledEtlTask, bool)
	ListScheduledTasks() []ScheduledEtlTask
}
