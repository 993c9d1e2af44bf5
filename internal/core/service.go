// Package core implements the ETL result processor: the state machine that
// governs FastQ approval, analysis runs, queued external results, and the
// validation sign-off cycle.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"seqcore/internal/blob"
	"seqcore/internal/logging"
	"seqcore/pkg/domain"
)

// StaleCutoff is how far in the past a PROCESSING result's start time must be
// before the staleness sweep re-triggers it. Sits just under the 40-hour
// external SLA.
const StaleCutoff = 40*time.Hour - 5*time.Minute

// DownloadExpiry is the lifetime of presigned result-download URLs.
const DownloadExpiry = time.Hour

// Notifier receives workflow events for delivery to subscribers. Delivery
// failures are the notifier's problem; the workflow never blocks on it.
type Notifier interface {
	NotifyUser(userID string, event string, data any)
	Broadcast(event string, data any)
}

type nopNotifier struct{}

func (nopNotifier) NotifyUser(string, string, any) {}
func (nopNotifier) Broadcast(string, any)          {}

// Service coordinates the workflow against the record store, the blob store,
// and the pipeline runner.
type Service struct {
	store      domain.PersistentStore
	blobs      blob.Store
	runner     PipelineRunner
	notifier   Notifier
	log        logging.Logger
	metrics    *Metrics
	nowFn      func() time.Time
	systemUser domain.User

	// endpoint/bucket describe the external object URL shape for queued
	// result payloads, used to recover store-relative keys.
	endpoint string
	bucket   string

	pipelines sync.WaitGroup
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log logging.Logger) Option {
	return func(s *Service) { s.log = logging.OrNop(log) }
}

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithMetrics sets the metrics collectors (tests pass a fresh registry).
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithSystemUser sets the identity used for sweep-triggered runs.
func WithSystemUser(u domain.User) Option {
	return func(s *Service) { s.systemUser = u }
}

// WithObjectLocation sets the endpoint and bucket used to map external result
// URLs back to store-relative keys.
func WithObjectLocation(endpoint, bucket string) Option {
	return func(s *Service) {
		s.endpoint = endpoint
		s.bucket = bucket
	}
}

// NewService constructs the workflow service.
func NewService(store domain.PersistentStore, blobs blob.Store, runner PipelineRunner, opts ...Option) *Service {
	s := &Service{
		store:      store,
		blobs:      blobs,
		runner:     runner,
		notifier:   nopNotifier{},
		log:        logging.Nop(),
		metrics:    defaultMetrics(),
		nowFn:      time.Now,
		systemUser: domain.User{ID: "system", Name: "seqcore scheduler"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying record store for read-side handlers.
func (s *Service) Store() domain.PersistentStore { return s.store }

// WaitForPipelines blocks until all detached pipeline runs have finished.
// Test hook; production callers never wait.
func (s *Service) WaitForPipelines() { s.pipelines.Wait() }

// --- FastQ upload / approval -------------------------------------------------

// RegisterFastqUpload records a sequencer upload for a session: the R1/R2
// pair plus a FastqFile in UPLOADED state.
func (s *Service) RegisterFastqUpload(ctx context.Context, sessionID, labcode, r1Key, r2Key string, user domain.User) (domain.FastqFile, error) {
	var created domain.FastqFile
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		session, ok := tx.FindLabSession(sessionID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityLabSession, ID: sessionID}
		}
		if labcode == "" {
			labcode = session.Labcode
		}
		pair, err := tx.CreateFastqFilePair(domain.FastqFilePair{
			SessionID: session.ID,
			Labcode:   labcode,
			R1Key:     r1Key,
			R2Key:     r2Key,
		})
		if err != nil {
			return err
		}
		created, err = tx.CreateFastqFile(domain.FastqFile{
			SessionID:  session.ID,
			PairID:     pair.ID,
			Labcode:    labcode,
			Status:     domain.FastqUploaded,
			UploadedBy: user.ID,
		})
		return err
	})
	if err != nil {
		return domain.FastqFile{}, err
	}
	s.log.Info("fastq %s registered for session %s", created.ID, sessionID)
	return created, nil
}

// SubmitFastq moves an uploaded file into the approval queue.
func (s *Service) SubmitFastq(ctx context.Context, fastqID string, user domain.User) (domain.FastqFile, error) {
	return s.transitionFastq(ctx, fastqID, domain.FastqUploaded, func(f *domain.FastqFile) {
		f.Status = domain.FastqWaitForApproval
	})
}

// ApproveFastq approves a file awaiting review, opening the gate for analysis.
func (s *Service) ApproveFastq(ctx context.Context, fastqID string, user domain.User) (domain.FastqFile, error) {
	f, err := s.transitionFastq(ctx, fastqID, domain.FastqWaitForApproval, func(f *domain.FastqFile) {
		f.Status = domain.FastqApproved
	})
	if err != nil {
		return domain.FastqFile{}, err
	}
	s.notifier.NotifyUser(f.UploadedBy, "notification_updated", map[string]any{"fastqFileId": f.ID, "status": f.Status})
	return f, nil
}

// RejectFastq rejects a file awaiting review. Any in-flight analysis for the
// same session is force-failed: it runs against source data that has just
// been invalidated.
func (s *Service) RejectFastq(ctx context.Context, fastqID, redoReason string, user domain.User) (domain.FastqFile, error) {
	if redoReason == "" {
		return domain.FastqFile{}, domain.ValidationError{Field: "redoReason", Message: "redo reason is required"}
	}
	var rejected domain.FastqFile
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		f, ok := tx.FindFastqFile(fastqID)
		if !ok || f.Status != domain.FastqWaitForApproval {
			return domain.NotFoundError{Entity: domain.EntityFastqFile, ID: fastqID}
		}
		var err error
		rejected, err = tx.UpdateFastqFile(fastqID, func(f *domain.FastqFile) error {
			f.Status = domain.FastqRejected
			f.RedoReason = redoReason
			f.RejectedBy = user.ID
			return nil
		})
		if err != nil {
			return err
		}
		for _, r := range tx.EtlResultsBySession(f.SessionID) {
			if r.Status != domain.EtlProcessing {
				continue
			}
			if _, err := tx.UpdateEtlResult(r.ID, func(er *domain.EtlResult) error {
				er.Status = domain.EtlFailed
				er.Comment = fmt.Sprintf("source fastq rejected by %s: %s", user.ID, redoReason)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.FastqFile{}, err
	}
	s.log.Info("fastq %s rejected by %s", fastqID, user.ID)
	s.notifier.NotifyUser(rejected.UploadedBy, "notification_updated", map[string]any{"fastqFileId": rejected.ID, "status": rejected.Status, "redoReason": redoReason})
	return rejected, nil
}

func (s *Service) transitionFastq(ctx context.Context, fastqID string, want domain.FastqStatus, mutate func(*domain.FastqFile)) (domain.FastqFile, error) {
	var out domain.FastqFile
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		f, ok := tx.FindFastqFile(fastqID)
		if !ok || f.Status != want {
			return domain.NotFoundError{Entity: domain.EntityFastqFile, ID: fastqID}
		}
		var err error
		out, err = tx.UpdateFastqFile(fastqID, func(f *domain.FastqFile) error {
			mutate(f)
			return nil
		})
		return err
	})
	if err != nil {
		return domain.FastqFile{}, err
	}
	return out, nil
}

// --- Analysis ----------------------------------------------------------------

// ProcessAnalysis starts an analysis run for an approved FastQ file. The
// pipeline executes in a detached goroutine; the caller gets an immediate
// acknowledgement and observes the outcome via later queries.
func (s *Service) ProcessAnalysis(ctx context.Context, fastqID string, user domain.User) (string, error) {
	var (
		result  domain.EtlResult
		session domain.LabSession
		pair    domain.FastqFilePair
	)
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		f, ok := tx.FindFastqFile(fastqID)
		if !ok || f.Status != domain.FastqApproved {
			return domain.NotFoundError{Entity: domain.EntityFastqFile, ID: fastqID}
		}
		session, ok = tx.FindLabSession(f.SessionID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityLabSession, ID: f.SessionID}
		}
		for _, r := range tx.EtlResultsBySession(f.SessionID) {
			if r.Status == domain.EtlProcessing {
				return domain.ConflictError{Message: "analysis already in progress for session " + f.SessionID}
			}
		}
		if f.PairID != "" {
			pair, _ = tx.FindFastqFilePair(f.PairID)
		}
		start := s.nowFn().UTC()
		var err error
		result, err = tx.CreateEtlResult(domain.EtlResult{
			SessionID: f.SessionID,
			Labcode:   f.Labcode,
			Barcode:   session.Barcode,
			Status:    domain.EtlProcessing,
			StartTime: &start,
		})
		return err
	})
	if err != nil {
		return "", asConflict(err)
	}
	s.log.Info("analysis started for session %s (etl result %s)", session.ID, result.ID)
	s.runDetached("analysis", PipelineInput{
		Result:    result,
		Session:   session,
		Pair:      pair,
		Labcode:   result.Labcode,
		Barcode:   result.Barcode,
		Requester: user,
	})
	return fmt.Sprintf("analysis started for %s", result.Labcode), nil
}

// asConflict maps a blocking rule violation to the Conflict taxonomy; the
// single-processing rule fires when two transactions race past the explicit
// precondition check.
func asConflict(err error) error {
	var rve domain.RuleViolationError
	if errors.As(err, &rve) && rve.Result.HasBlocking() {
		return domain.ConflictError{Message: rve.Result.Violations[0].Message}
	}
	return err
}

// runDetached executes the pipeline off the request path with its own error
// boundary, then writes terminal state back through the store.
func (s *Service) runDetached(trigger string, in PipelineInput) {
	s.pipelines.Add(1)
	s.metrics.IncActive()
	go func() {
		defer s.pipelines.Done()
		defer s.metrics.DecActive()
		started := time.Now()
		outcome := "completed"
		defer func() {
			if r := recover(); r != nil {
				outcome = "panic"
				s.log.Error("pipeline panic for etl result %s: %v", in.Result.ID, r)
				s.failResult(in.Result.ID, fmt.Sprintf("pipeline panic: %v", r))
			}
			s.metrics.ObservePipeline(trigger, outcome, time.Since(started))
		}()
		ctx := context.Background()
		artifact, err := s.runner.Run(ctx, in)
		if err != nil {
			outcome = "failed"
			s.log.Warn("pipeline failed for etl result %s: %v", in.Result.ID, err)
			s.failResult(in.Result.ID, fmt.Sprintf("pipeline failed: %v", err))
			return
		}
		key := ArtifactKey(in.Labcode, s.nowFn())
		if _, err := s.blobs.Put(ctx, key, artifact.Body, blob.PutOptions{ContentType: artifact.ContentType}); err != nil {
			outcome = "failed"
			s.log.Warn("artifact upload failed for etl result %s: %v", in.Result.ID, err)
			s.failResult(in.Result.ID, fmt.Sprintf("artifact upload failed: %v", err))
			return
		}
		completedAt := s.nowFn().UTC()
		_, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			_, err := tx.UpdateEtlResult(in.Result.ID, func(r *domain.EtlResult) error {
				r.Status = domain.EtlCompleted
				r.ResultPath = key
				r.EtlCompletedAt = &completedAt
				return nil
			})
			return err
		})
		if err != nil {
			outcome = "failed"
			s.log.Error("completion write failed for etl result %s: %v", in.Result.ID, err)
			return
		}
		s.log.Info("analysis completed for etl result %s (%s)", in.Result.ID, key)
		s.notifier.NotifyUser(in.Requester.ID, "notification_created", map[string]any{"etlResultId": in.Result.ID, "status": domain.EtlCompleted})
	}()
}

// failResult stamps a terminal failure on a result row. Errors here are
// logged only; there is no caller left to surface them to.
func (s *Service) failResult(resultID, diagnostic string) {
	_, err := s.store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateEtlResult(resultID, func(r *domain.EtlResult) error {
			r.Status = domain.EtlFailed
			r.Comment = diagnostic
			return nil
		})
		return err
	})
	if err != nil {
		s.log.Error("failure write for etl result %s: %v", resultID, err)
	}
}

// --- Queued external results -------------------------------------------------

// ExternalEtlEvent is the inbound payload describing an externally completed
// (or failed) pipeline run.
type ExternalEtlEvent struct {
	EtlResultID string     `json:"etlResultId"`
	Labcode     string     `json:"labcode,omitempty"`
	Barcode     string     `json:"barcode,omitempty"`
	ResultURL   string     `json:"resultUrl,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// QueuedOutcome is the seam between intake-queue durability and state-machine
// effects: the scheduler stamps the task row from it.
type QueuedOutcome struct {
	Success bool
	Message string
}

// ProcessQueuedResult applies an externally produced pipeline outcome to the
// referenced ETL result row.
func (s *Service) ProcessQueuedResult(ctx context.Context, payload json.RawMessage) QueuedOutcome {
	var event ExternalEtlEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.metrics.IncQueuedResult("invalid")
		return QueuedOutcome{Success: false, Message: fmt.Sprintf("malformed etl payload: %v", err)}
	}
	if event.EtlResultID == "" {
		s.metrics.IncQueuedResult("invalid")
		return QueuedOutcome{Success: false, Message: "etl payload missing etlResultId"}
	}
	failed := event.Error != ""
	key := ""
	if !failed {
		key = s.resultKey(event.ResultURL)
		if key == "" {
			s.metrics.IncQueuedResult("invalid")
			return QueuedOutcome{Success: false, Message: "etl payload missing result url"}
		}
	}
	completedAt := s.nowFn().UTC()
	if event.CompletedAt != nil {
		completedAt = event.CompletedAt.UTC()
	}
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		r, ok := tx.FindEtlResult(event.EtlResultID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityEtlResult, ID: event.EtlResultID}
		}
		if _, ok := tx.FindLabSession(r.SessionID); !ok {
			return domain.NotFoundError{Entity: domain.EntityLabSession, ID: r.SessionID}
		}
		_, err := tx.UpdateEtlResult(event.EtlResultID, func(r *domain.EtlResult) error {
			if failed {
				r.Status = domain.EtlFailed
				r.Comment = event.Error
				return nil
			}
			r.Status = domain.EtlCompleted
			r.ResultPath = key
			r.EtlCompletedAt = &completedAt
			return nil
		})
		return err
	})
	if err != nil {
		s.metrics.IncQueuedResult("error")
		return QueuedOutcome{Success: false, Message: err.Error()}
	}
	if failed {
		s.metrics.IncQueuedResult("failed")
		return QueuedOutcome{Success: true, Message: fmt.Sprintf("etl result %s marked failed", event.EtlResultID)}
	}
	s.metrics.IncQueuedResult("completed")
	return QueuedOutcome{Success: true, Message: fmt.Sprintf("etl result %s completed", event.EtlResultID)}
}

// resultKey recovers the store-relative key from an external result URL. Raw
// keys (no scheme) pass through unchanged.
func (s *Service) resultKey(raw string) string {
	if raw == "" {
		return ""
	}
	if s.endpoint != "" && s.bucket != "" {
		if key, err := blob.ExtractKey(raw, s.endpoint, s.bucket); err == nil {
			return key
		}
	}
	return raw
}

// --- Validation --------------------------------------------------------------

// SubmitForValidation moves a completed result into the validation queue.
func (s *Service) SubmitForValidation(ctx context.Context, etlID string, user domain.User) (domain.EtlResult, error) {
	var out domain.EtlResult
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		r, ok := tx.FindEtlResult(etlID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityEtlResult, ID: etlID}
		}
		if r.Status != domain.EtlCompleted {
			return domain.ConflictError{Message: fmt.Sprintf("etl result %s is %s, not COMPLETED", etlID, r.Status)}
		}
		var err error
		out, err = tx.UpdateEtlResult(etlID, func(r *domain.EtlResult) error {
			r.Status = domain.EtlWaitForApproval
			return nil
		})
		return err
	})
	if err != nil {
		return domain.EtlResult{}, err
	}
	s.notifier.Broadcast("system_notification", map[string]any{"etlResultId": out.ID, "status": out.Status})
	return out, nil
}

// AcceptEtlResult approves a result under validation.
func (s *Service) AcceptEtlResult(ctx context.Context, etlID, comment string, user domain.User) (domain.EtlResult, error) {
	var out domain.EtlResult
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		r, ok := tx.FindEtlResult(etlID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityEtlResult, ID: etlID}
		}
		if r.Status != domain.EtlWaitForApproval {
			return domain.ForbiddenError{Message: fmt.Sprintf("etl result %s is not awaiting validation", etlID)}
		}
		var err error
		out, err = tx.UpdateEtlResult(etlID, func(r *domain.EtlResult) error {
			r.Status = domain.EtlApproved
			r.ApprovedBy = user.ID
			if comment != "" {
				r.Comment = comment
			}
			return nil
		})
		return err
	})
	if err != nil {
		return domain.EtlResult{}, err
	}
	s.log.Info("etl result %s approved by %s", etlID, user.ID)
	return out, nil
}

// RejectEtlResult rejects a result under validation and reopens the upstream
// approval gate: the session's latest FastQ file returns to WAIT_FOR_APPROVAL.
func (s *Service) RejectEtlResult(ctx context.Context, etlID, redoReason string, user domain.User) (domain.EtlResult, error) {
	if redoReason == "" {
		return domain.EtlResult{}, domain.ValidationError{Field: "redoReason", Message: "redo reason is required"}
	}
	var out domain.EtlResult
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		r, ok := tx.FindEtlResult(etlID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityEtlResult, ID: etlID}
		}
		if r.Status != domain.EtlWaitForApproval {
			return domain.ForbiddenError{Message: fmt.Sprintf("etl result %s is not awaiting validation", etlID)}
		}
		var err error
		out, err = tx.UpdateEtlResult(etlID, func(r *domain.EtlResult) error {
			r.Status = domain.EtlRejected
			r.RedoReason = redoReason
			r.RejectedBy = user.ID
			return nil
		})
		if err != nil {
			return err
		}
		latest, ok := domain.LatestFastqFile(tx.FastqFilesBySession(r.SessionID))
		if !ok {
			return nil
		}
		_, err = tx.UpdateFastqFile(latest.ID, func(f *domain.FastqFile) error {
			f.Status = domain.FastqWaitForApproval
			return nil
		})
		return err
	})
	if err != nil {
		return domain.EtlResult{}, err
	}
	s.log.Info("etl result %s rejected by %s", etlID, user.ID)
	s.notifier.Broadcast("system_notification", map[string]any{"etlResultId": out.ID, "status": out.Status, "redoReason": redoReason})
	return out, nil
}

// --- Download / retry / staleness -------------------------------------------

// DownloadEtlResult issues a one-hour presigned URL for a result's artifact.
// The artifact stays downloadable through validation and after sign-off.
// No state mutation.
func (s *Service) DownloadEtlResult(ctx context.Context, etlID string) (string, error) {
	r, ok := s.store.GetEtlResult(etlID)
	if !ok {
		return "", domain.NotFoundError{Entity: domain.EntityEtlResult, ID: etlID}
	}
	if r.Status != domain.EtlCompleted && r.Status != domain.EtlWaitForApproval && r.Status != domain.EtlApproved {
		return "", domain.NotFoundError{Entity: domain.EntityEtlResult, ID: etlID}
	}
	if r.ResultPath == "" {
		return "", domain.ValidationError{Field: "resultPath", Message: "etl result has no artifact"}
	}
	url, err := s.blobs.PresignURL(ctx, r.ResultPath, blob.SignedURLOptions{Method: "GET", Expiry: DownloadExpiry})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", r.ResultPath, err)
	}
	return url, nil
}

// RetryEtlResult re-runs a failed analysis on the same result row.
func (s *Service) RetryEtlResult(ctx context.Context, etlID string, user domain.User) (string, error) {
	var (
		result  domain.EtlResult
		session domain.LabSession
		pair    domain.FastqFilePair
	)
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		r, ok := tx.FindEtlResult(etlID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityEtlResult, ID: etlID}
		}
		if r.Status != domain.EtlFailed {
			return domain.ConflictError{Message: fmt.Sprintf("etl result %s is %s, not FAILED", etlID, r.Status)}
		}
		session, ok = tx.FindLabSession(r.SessionID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityLabSession, ID: r.SessionID}
		}
		pair, ok = s.pairForSession(tx.Snapshot(), r.SessionID)
		if !ok {
			return domain.ValidationError{Field: "fastqFilePair", Message: "session has no complete fastq pair to reprocess"}
		}
		start := s.nowFn().UTC()
		var err error
		result, err = tx.UpdateEtlResult(etlID, func(r *domain.EtlResult) error {
			r.Status = domain.EtlProcessing
			r.StartTime = &start
			r.Comment = ""
			return nil
		})
		return err
	})
	if err != nil {
		return "", asConflict(err)
	}
	s.log.Info("retry started for etl result %s by %s", etlID, user.ID)
	s.runDetached("retry", PipelineInput{
		Result:    result,
		Session:   session,
		Pair:      pair,
		Labcode:   result.Labcode,
		Barcode:   result.Barcode,
		Requester: user,
	})
	return fmt.Sprintf("retry started for %s", result.Labcode), nil
}

// ReprocessStale re-triggers the pipeline for results stuck in PROCESSING
// past the staleness cutoff. Per-result failures are isolated; the sweep
// reports how many runs it restarted.
func (s *Service) ReprocessStale(ctx context.Context) int {
	cutoff := s.nowFn().Add(-StaleCutoff)
	var stale []domain.EtlResult
	for _, r := range s.store.ListEtlResults() {
		if r.Status == domain.EtlProcessing && r.StartTime != nil && r.StartTime.Before(cutoff) {
			stale = append(stale, r)
		}
	}
	restarted := 0
	for _, r := range stale {
		session, ok := s.store.GetLabSession(r.SessionID)
		if !ok {
			s.log.Warn("stale etl result %s references missing session %s", r.ID, r.SessionID)
			continue
		}
		pair, ok := s.completedPair(r.SessionID)
		if !ok {
			s.log.Warn("stale etl result %s skipped: fastq pair incomplete for session %s", r.ID, r.SessionID)
			continue
		}
		claimed, err := s.claimStale(ctx, r.ID, cutoff)
		if err != nil {
			s.log.Warn("stale etl result %s not claimed: %v", r.ID, err)
			continue
		}
		s.log.Info("reprocessing stale etl result %s (started %s)", r.ID, r.StartTime.Format(time.RFC3339))
		s.runDetached("staleness", PipelineInput{
			Result:    claimed,
			Session:   session,
			Pair:      pair,
			Labcode:   claimed.Labcode,
			Barcode:   claimed.Barcode,
			Requester: s.systemUser,
		})
		restarted++
	}
	return restarted
}

// claimStale re-stamps a stale row's StartTime so subsequent sweeps no
// longer see it as stale while the restarted run is in flight. The
// staleness condition is re-checked inside the transaction so a row is
// claimed at most once.
func (s *Service) claimStale(ctx context.Context, resultID string, cutoff time.Time) (domain.EtlResult, error) {
	var claimed domain.EtlResult
	start := s.nowFn().UTC()
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		cur, ok := tx.FindEtlResult(resultID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityEtlResult, ID: resultID}
		}
		if cur.Status != domain.EtlProcessing || cur.StartTime == nil || !cur.StartTime.Before(cutoff) {
			return domain.ConflictError{Message: fmt.Sprintf("etl result %s is no longer stale", resultID)}
		}
		var err error
		claimed, err = tx.UpdateEtlResult(resultID, func(r *domain.EtlResult) error {
			r.StartTime = &start
			return nil
		})
		return err
	})
	if err != nil {
		return domain.EtlResult{}, err
	}
	return claimed, nil
}

func (s *Service) completedPair(sessionID string) (domain.FastqFilePair, bool) {
	var pair domain.FastqFilePair
	ok := false
	_ = s.store.View(context.Background(), func(view domain.RuleView) error {
		pair, ok = s.pairForSession(view, sessionID)
		return nil
	})
	return pair, ok
}

// pairForSession returns the newest complete R1/R2 pair for a session.
func (s *Service) pairForSession(view domain.RuleView, sessionID string) (domain.FastqFilePair, bool) {
	var best domain.FastqFilePair
	found := false
	for _, p := range view.ListFastqFilePairs() {
		if p.SessionID != sessionID || !p.Complete() {
			continue
		}
		if !found || p.CreatedAt.After(best.CreatedAt) || (p.CreatedAt.Equal(best.CreatedAt) && p.ID > best.ID) {
			best = p
			found = true
		}
	}
	return best, found
}
