// Package memory provides an in-memory implementation of the record store
// used for tests and ephemeral environments. Durable backends layer snapshot
// persistence on top of it.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"seqcore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

type state struct {
	sessions map[string]domain.LabSession
	fastq    map[string]domain.FastqFile
	pairs    map[string]domain.FastqFilePair
	results  map[string]domain.EtlResult
	tasks    map[string]domain.ScheduledEtlTask
}

func newState() state {
	return state{
		sessions: make(map[string]domain.LabSession),
		fastq:    make(map[string]domain.FastqFile),
		pairs:    make(map[string]domain.FastqFilePair),
		results:  make(map[string]domain.EtlResult),
		tasks:    make(map[string]domain.ScheduledEtlTask),
	}
}

func (s state) clone() state {
	cloned := newState()
	for k, v := range s.sessions {
		cloned.sessions[k] = v
	}
	for k, v := range s.fastq {
		cloned.fastq[k] = v
	}
	for k, v := range s.pairs {
		cloned.pairs[k] = v
	}
	for k, v := range s.results {
		cloned.results[k] = cloneResult(v)
	}
	for k, v := range s.tasks {
		cloned.tasks[k] = cloneTask(v)
	}
	return cloned
}

func cloneResult(r domain.EtlResult) domain.EtlResult {
	cp := r
	if r.StartTime != nil {
		t := *r.StartTime
		cp.StartTime = &t
	}
	if r.EtlCompletedAt != nil {
		t := *r.EtlCompletedAt
		cp.EtlCompletedAt = &t
	}
	return cp
}

func cloneTask(t domain.ScheduledEtlTask) domain.ScheduledEtlTask {
	cp := t
	cp.EtlData = append([]byte(nil), t.EtlData...)
	if t.ProcessedAt != nil {
		ts := *t.ProcessedAt
		cp.ProcessedAt = &ts
	}
	return cp
}

// Snapshot is a serializable copy of the full store state, used by the sqlite
// and postgres backends.
type Snapshot struct {
	Sessions []domain.LabSession       `json:"sessions"`
	Fastq    []domain.FastqFile        `json:"fastq_files"`
	Pairs    []domain.FastqFilePair    `json:"fastq_file_pairs"`
	Results  []domain.EtlResult        `json:"etl_results"`
	Tasks    []domain.ScheduledEtlTask `json:"scheduled_etl_tasks"`
}

// Store provides an in-memory transactional record store.
type Store struct {
	mu     sync.RWMutex
	state  state
	engine *domain.RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *domain.RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the store clock, returning a restore function for tests.
func (s *Store) SetNow(fn func() time.Time) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.nowFn
	s.nowFn = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.nowFn = prev
	}
}

func newID() string { return uuid.NewString() }

// Tx represents a mutation set applied to the store state.
type Tx struct {
	store   *Store
	state   state
	changes []domain.Change
	now     time.Time
}

var _ domain.Transaction = (*Tx)(nil)

type view struct {
	state *state
}

var _ domain.RuleView = view{}

// RunInTransaction executes fn within a transactional copy of the store state.
// Registered rules are evaluated against the mutated snapshot before commit;
// a blocking violation aborts the commit, which is what makes workflow
// invariants atomic at the store level rather than check-then-act in callers.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, view{state: &tx.state}, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(ctx context.Context, fn func(domain.RuleView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(view{state: &snapshot})
}

func (tx *Tx) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot exposes the transactional state to rule-style reads inside fn.
func (tx *Tx) Snapshot() domain.RuleView {
	return view{state: &tx.state}
}

// CreateLabSession stores a new session within the transaction.
func (tx *Tx) CreateLabSession(session domain.LabSession) (domain.LabSession, error) {
	if session.ID == "" {
		session.ID = newID()
	}
	if _, exists := tx.state.sessions[session.ID]; exists {
		return domain.LabSession{}, domain.ConflictError{Message: "lab session " + session.ID + " already exists"}
	}
	session.CreatedAt = tx.now
	session.UpdatedAt = tx.now
	tx.state.sessions[session.ID] = session
	tx.recordChange(domain.Change{Entity: domain.EntityLabSession, Action: domain.ActionCreate, After: session})
	return session, nil
}

// UpdateLabSession mutates a session using the provided mutator.
func (tx *Tx) UpdateLabSession(id string, mutator func(*domain.LabSession) error) (domain.LabSession, error) {
	current, ok := tx.state.sessions[id]
	if !ok {
		return domain.LabSession{}, domain.NotFoundError{Entity: domain.EntityLabSession, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return domain.LabSession{}, err
	}
	current.ID = id
	current.Labcode = before.Labcode // identity fields are immutable
	current.Barcode = before.Barcode
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.sessions[id] = current
	tx.recordChange(domain.Change{Entity: domain.EntityLabSession, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// CreateFastqFile stores a new FastQ file record.
func (tx *Tx) CreateFastqFile(f domain.FastqFile) (domain.FastqFile, error) {
	if f.ID == "" {
		f.ID = newID()
	}
	if _, exists := tx.state.fastq[f.ID]; exists {
		return domain.FastqFile{}, domain.ConflictError{Message: "fastq file " + f.ID + " already exists"}
	}
	if f.Status == "" {
		f.Status = domain.FastqUploaded
	}
	f.CreatedAt = tx.now
	f.UpdatedAt = tx.now
	tx.state.fastq[f.ID] = f
	tx.recordChange(domain.Change{Entity: domain.EntityFastqFile, Action: domain.ActionCreate, After: f})
	return f, nil
}

// UpdateFastqFile mutates a FastQ file record.
func (tx *Tx) UpdateFastqFile(id string, mutator func(*domain.FastqFile) error) (domain.FastqFile, error) {
	current, ok := tx.state.fastq[id]
	if !ok {
		return domain.FastqFile{}, domain.NotFoundError{Entity: domain.EntityFastqFile, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return domain.FastqFile{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.fastq[id] = current
	tx.recordChange(domain.Change{Entity: domain.EntityFastqFile, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// CreateFastqFilePair stores a new mate-pair record.
func (tx *Tx) CreateFastqFilePair(p domain.FastqFilePair) (domain.FastqFilePair, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	if _, exists := tx.state.pairs[p.ID]; exists {
		return domain.FastqFilePair{}, domain.ConflictError{Message: "fastq pair " + p.ID + " already exists"}
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	tx.state.pairs[p.ID] = p
	tx.recordChange(domain.Change{Entity: domain.EntityFastqFilePair, Action: domain.ActionCreate, After: p})
	return p, nil
}

// UpdateFastqFilePair mutates a mate-pair record.
func (tx *Tx) UpdateFastqFilePair(id string, mutator func(*domain.FastqFilePair) error) (domain.FastqFilePair, error) {
	current, ok := tx.state.pairs[id]
	if !ok {
		return domain.FastqFilePair{}, domain.NotFoundError{Entity: domain.EntityFastqFilePair, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return domain.FastqFilePair{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.pairs[id] = current
	tx.recordChange(domain.Change{Entity: domain.EntityFastqFilePair, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// CreateEtlResult stores a new analysis attempt.
func (tx *Tx) CreateEtlResult(r domain.EtlResult) (domain.EtlResult, error) {
	if r.ID == "" {
		r.ID = newID()
	}
	if _, exists := tx.state.results[r.ID]; exists {
		return domain.EtlResult{}, domain.ConflictError{Message: "etl result " + r.ID + " already exists"}
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.results[r.ID] = cloneResult(r)
	tx.recordChange(domain.Change{Entity: domain.EntityEtlResult, Action: domain.ActionCreate, After: cloneResult(r)})
	return cloneResult(r), nil
}

// UpdateEtlResult mutates an analysis attempt.
func (tx *Tx) UpdateEtlResult(id string, mutator func(*domain.EtlResult) error) (domain.EtlResult, error) {
	current, ok := tx.state.results[id]
	if !ok {
		return domain.EtlResult{}, domain.NotFoundError{Entity: domain.EntityEtlResult, ID: id}
	}
	before := cloneResult(current)
	working := cloneResult(current)
	if err := mutator(&working); err != nil {
		return domain.EtlResult{}, err
	}
	working.ID = id
	working.CreatedAt = before.CreatedAt
	working.UpdatedAt = tx.now
	tx.state.results[id] = cloneResult(working)
	tx.recordChange(domain.Change{Entity: domain.EntityEtlResult, Action: domain.ActionUpdate, Before: before, After: cloneResult(working)})
	return cloneResult(working), nil
}

// CreateScheduledTask stores a deferred queue payload.
func (tx *Tx) CreateScheduledTask(t domain.ScheduledEtlTask) (domain.ScheduledEtlTask, error) {
	if t.ID == "" {
		t.ID = newID()
	}
	if _, exists := tx.state.tasks[t.ID]; exists {
		return domain.ScheduledEtlTask{}, domain.ConflictError{Message: "scheduled task " + t.ID + " already exists"}
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	t.CreatedAt = tx.now
	t.UpdatedAt = tx.now
	tx.state.tasks[t.ID] = cloneTask(t)
	tx.recordChange(domain.Change{Entity: domain.EntityScheduledEtlTask, Action: domain.ActionCreate, After: cloneTask(t)})
	return cloneTask(t), nil
}

// UpdateScheduledTask mutates a scheduled task record.
func (tx *Tx) UpdateScheduledTask(id string, mutator func(*domain.ScheduledEtlTask) error) (domain.ScheduledEtlTask, error) {
	current, ok := tx.state.tasks[id]
	if !ok {
		return domain.ScheduledEtlTask{}, domain.NotFoundError{Entity: domain.EntityScheduledEtlTask, ID: id}
	}
	before := cloneTask(current)
	working := cloneTask(current)
	if err := mutator(&working); err != nil {
		return domain.ScheduledEtlTask{}, err
	}
	working.ID = id
	working.CreatedAt = before.CreatedAt
	working.UpdatedAt = tx.now
	tx.state.tasks[id] = cloneTask(working)
	tx.recordChange(domain.Change{Entity: domain.EntityScheduledEtlTask, Action: domain.ActionUpdate, Before: before, After: cloneTask(working)})
	return cloneTask(working), nil
}

// FindLabSession retrieves a session from the transactional state.
func (tx *Tx) FindLabSession(id string) (domain.LabSession, bool) {
	s, ok := tx.state.sessions[id]
	return s, ok
}

// FindFastqFile retrieves a FastQ file from the transactional state.
func (tx *Tx) FindFastqFile(id string) (domain.FastqFile, bool) {
	f, ok := tx.state.fastq[id]
	return f, ok
}

// FindFastqFilePair retrieves a mate pair from the transactional state.
func (tx *Tx) FindFastqFilePair(id string) (domain.FastqFilePair, bool) {
	p, ok := tx.state.pairs[id]
	return p, ok
}

// FindEtlResult retrieves an analysis attempt from the transactional state.
func (tx *Tx) FindEtlResult(id string) (domain.EtlResult, bool) {
	r, ok := tx.state.results[id]
	if !ok {
		return domain.EtlResult{}, false
	}
	return cloneResult(r), true
}

// EtlResultsBySession lists a session's analysis attempts within the transaction.
func (tx *Tx) EtlResultsBySession(sessionID string) []domain.EtlResult {
	return view{state: &tx.state}.EtlResultsBySession(sessionID)
}

// FastqFilesBySession lists a session's FastQ files within the transaction.
func (tx *Tx) FastqFilesBySession(sessionID string) []domain.FastqFile {
	return view{state: &tx.state}.FastqFilesBySession(sessionID)
}

// Read-only view -------------------------------------------------------------

func (v view) ListLabSessions() []domain.LabSession {
	out := make([]domain.LabSession, 0, len(v.state.sessions))
	for _, s := range v.state.sessions {
		out = append(out, s)
	}
	return out
}

func (v view) ListFastqFiles() []domain.FastqFile {
	out := make([]domain.FastqFile, 0, len(v.state.fastq))
	for _, f := range v.state.fastq {
		out = append(out, f)
	}
	return out
}

func (v view) ListFastqFilePairs() []domain.FastqFilePair {
	out := make([]domain.FastqFilePair, 0, len(v.state.pairs))
	for _, p := range v.state.pairs {
		out = append(out, p)
	}
	return out
}

func (v view) ListEtlResults() []domain.EtlResult {
	out := make([]domain.EtlResult, 0, len(v.state.results))
	for _, r := range v.state.results {
		out = append(out, cloneResult(r))
	}
	return out
}

func (v view) ListScheduledTasks() []domain.ScheduledEtlTask {
	out := make([]domain.ScheduledEtlTask, 0, len(v.state.tasks))
	for _, t := range v.state.tasks {
		out = append(out, cloneTask(t))
	}
	return out
}

func (v view) FindLabSession(id string) (domain.LabSession, bool) {
	s, ok := v.state.sessions[id]
	return s, ok
}

func (v view) FindFastqFile(id string) (domain.FastqFile, bool) {
	f, ok := v.state.fastq[id]
	return f, ok
}

func (v view) FindFastqFilePair(id string) (domain.FastqFilePair, bool) {
	p, ok := v.state.pairs[id]
	return p, ok
}

func (v view) FindEtlResult(id string) (domain.EtlResult, bool) {
	r, ok := v.state.results[id]
	if !ok {
		return domain.EtlResult{}, false
	}
	return cloneResult(r), true
}

func (v view) FindScheduledTask(id string) (domain.ScheduledEtlTask, bool) {
	t, ok := v.state.tasks[id]
	if !ok {
		return domain.ScheduledEtlTask{}, false
	}
	return cloneTask(t), true
}

func (v view) EtlResultsBySession(sessionID string) []domain.EtlResult {
	var out []domain.EtlResult
	for _, r := range v.state.results {
		if r.SessionID == sessionID {
			out = append(out, cloneResult(r))
		}
	}
	domain.SortEtlResults(out)
	return out
}

func (v view) FastqFilesBySession(sessionID string) []domain.FastqFile {
	var out []domain.FastqFile
	for _, f := range v.state.fastq {
		if f.SessionID == sessionID {
			out = append(out, f)
		}
	}
	domain.SortFastqFiles(out)
	return out
}

// Committed-state read helpers ----------------------------------------------

// GetLabSession retrieves a session by ID from committed state.
func (s *Store) GetLabSession(id string) (domain.LabSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.state.sessions[id]
	return sess, ok
}

// ListLabSessions returns all sessions from committed state.
func (s *Store) ListLabSessions() []domain.LabSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return view{state: &s.state}.ListLabSessions()
}

// GetFastqFile retrieves a FastQ file by ID from committed state.
func (s *Store) GetFastqFile(id string) (domain.FastqFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.state.fastq[id]
	return f, ok
}

// ListFastqFiles returns all FastQ files from committed state.
func (s *Store) ListFastqFiles() []domain.FastqFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return view{state: &s.state}.ListFastqFiles()
}

// GetFastqFilePair retrieves a mate pair by ID from committed state.
func (s *Store) GetFastqFilePair(id string) (domain.FastqFilePair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.pairs[id]
	return p, ok
}

// GetEtlResult retrieves an analysis attempt by ID from committed state.
func (s *Store) GetEtlResult(id string) (domain.EtlResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.results[id]
	if !ok {
		return domain.EtlResult{}, false
	}
	return cloneResult(r), true
}

// ListEtlResults returns all analysis attempts from committed state.
func (s *Store) ListEtlResults() []domain.EtlResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return view{state: &s.state}.ListEtlResults()
}

// GetScheduledTask retrieves a scheduled task by ID from committed state.
func (s *Store) GetScheduledTask(id string) (domain.ScheduledEtlTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.state.tasks[id]
	if !ok {
		return domain.ScheduledEtlTask{}, false
	}
	return cloneTask(t), true
}

// ListScheduledTasks returns all scheduled tasks from committed state.
func (s *Store) ListScheduledTasks() []domain.ScheduledEtlTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return view{state: &s.state}.ListScheduledTasks()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{}
	for _, v := range s.state.sessions {
		snap.Sessions = append(snap.Sessions, v)
	}
	for _, v := range s.state.fastq {
		snap.Fastq = append(snap.Fastq, v)
	}
	for _, v := range s.state.pairs {
		snap.Pairs = append(snap.Pairs, v)
	}
	for _, v := range s.state.results {
		snap.Results = append(snap.Results, cloneResult(v))
	}
	for _, v := range s.state.tasks {
		snap.Tasks = append(snap.Tasks, cloneTask(v))
	}
	return snap
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := newState()
	for _, v := range snap.Sessions {
		st.sessions[v.ID] = v
	}
	for _, v := range snap.Fastq {
		st.fastq[v.ID] = v
	}
	for _, v := range snap.Pairs {
		st.pairs[v.ID] = v
	}
	for _, v := range snap.Results {
		st.results[v.ID] = cloneResult(v)
	}
	for _, v := range snap.Tasks {
		st.tasks[v.ID] = cloneTask(v)
	}
	s.state = st
}
