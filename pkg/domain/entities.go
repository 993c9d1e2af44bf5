// Package domain defines the persistent entities, workflow status enums, and
// rule evaluation primitives used by seqcore.
package domain

import (
	"encoding/json"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityLabSession identifies a patient test-request session.
	EntityLabSession EntityType = "lab_session"
	// EntityFastqFile identifies a sequencer output file record.
	EntityFastqFile EntityType = "fastq_file"
	// EntityFastqFilePair identifies an R1/R2 mate pair record.
	EntityFastqFilePair EntityType = "fastq_file_pair"
	// EntityEtlResult identifies one analysis attempt for a session.
	EntityEtlResult EntityType = "etl_result"
	// EntityScheduledEtlTask identifies a deferred inbound ETL queue payload.
	EntityScheduledEtlTask EntityType = "scheduled_etl_task"
)

// FastqStatus enumerates the workflow states of a FastQ file.
type FastqStatus string

// Canonical FastQ workflow statuses. A file moves UPLOADED ->
// WAIT_FOR_APPROVAL -> {APPROVED | REJECTED}; a validation-stage rejection of
// the session's ETL result moves the latest file back to WAIT_FOR_APPROVAL.
const (
	FastqUploaded        FastqStatus = "UPLOADED"
	FastqWaitForApproval FastqStatus = "WAIT_FOR_APPROVAL"
	FastqApproved        FastqStatus = "APPROVED"
	FastqRejected        FastqStatus = "REJECTED"
)

// EtlStatus enumerates the states of an analysis attempt.
type EtlStatus string

// Canonical ETL result statuses. The processing flow is PROCESSING ->
// {COMPLETED | FAILED}; the validation flow is WAIT_FOR_APPROVAL ->
// {APPROVED | REJECTED} once a completed result is submitted for sign-off.
const (
	EtlProcessing      EtlStatus = "PROCESSING"
	EtlCompleted       EtlStatus = "COMPLETED"
	EtlFailed          EtlStatus = "FAILED"
	EtlWaitForApproval EtlStatus = "WAIT_FOR_APPROVAL"
	EtlApproved        EtlStatus = "APPROVED"
	EtlRejected        EtlStatus = "REJECTED"
)

// TaskStatus enumerates scheduled ETL task states.
type TaskStatus string

// Scheduled task statuses. Tasks are retained after processing as an audit
// trail and are never re-enqueued automatically on failure.
const (
	TaskPending   TaskStatus = "PENDING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base carries the identity and timestamp fields shared by all records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LabSession identifies a patient's test request. Labcode and barcode are
// immutable identity fields; the core never deletes sessions.
type LabSession struct {
	Base
	Labcode     string `json:"labcode"`
	Barcode     string `json:"barcode"`
	PatientName string `json:"patient_name,omitempty"`
	DoctorName  string `json:"doctor_name,omitempty"`
}

// FastqFilePair groups the R1/R2 mates produced by the sequencer for one
// session lab code. Keys are blob store object keys.
type FastqFilePair struct {
	Base
	SessionID string `json:"session_id"`
	Labcode   string `json:"labcode"`
	R1Key     string `json:"r1_key,omitempty"`
	R2Key     string `json:"r2_key,omitempty"`
}

// Complete reports whether both mates have been uploaded.
func (p FastqFilePair) Complete() bool {
	return p.R1Key != "" && p.R2Key != ""
}

// FastqFile represents sequencer output for one session as it moves through
// the approval workflow. Files are never physically deleted; rejection records
// the mandatory redo reason and the rejecting user.
type FastqFile struct {
	Base
	SessionID  string      `json:"session_id"`
	PairID     string      `json:"pair_id,omitempty"`
	Labcode    string      `json:"labcode"`
	Status     FastqStatus `json:"status"`
	UploadedBy string      `json:"uploaded_by,omitempty"`
	RedoReason string      `json:"redo_reason,omitempty"`
	RejectedBy string      `json:"rejected_by,omitempty"`
}

// EtlResult represents one attempt to produce an analysis artifact for a
// session. ResultPath holds the blob store key and is empty until completion.
// Rows are reused across operator retries (status moves back to PROCESSING on
// the same row rather than creating a new attempt record).
type EtlResult struct {
	Base
	SessionID      string     `json:"session_id"`
	Labcode        string     `json:"labcode"`
	Barcode        string     `json:"barcode,omitempty"`
	Status         EtlStatus  `json:"status"`
	ResultPath     string     `json:"result_path,omitempty"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	EtlCompletedAt *time.Time `json:"etl_completed_at,omitempty"`
	Comment        string     `json:"comment,omitempty"`
	RedoReason     string     `json:"redo_reason,omitempty"`
	RejectedBy     string     `json:"rejected_by,omitempty"`
	ApprovedBy     string     `json:"approved_by,omitempty"`
}

// ScheduledEtlTask is a durable deferred job wrapping one inbound ETL queue
// payload. Created with ScheduledAt = receipt time + the intake delay.
type ScheduledEtlTask struct {
	Base
	EtlData      json.RawMessage `json:"etl_data"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	Status       TaskStatus      `json:"status"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Role is an access role granted to a user. Codes are small integers compared
// against a required-role set per operation.
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Code int    `json:"code"`
}

// User is the identity yielded by token verification.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Roles []Role `json:"roles,omitempty"`
}

// HasRole reports whether the user holds any of the given role codes.
func (u User) HasRole(codes ...int) bool {
	for _, role := range u.Roles {
		for _, code := range codes {
			if role.Code == code {
				return true
			}
		}
	}
	return false
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate the mutations captured in the audit trail. The
// workflow is append-only; no entity supports deletion.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}
