package core

import (
	"context"
	"sort"
	"strings"
	"time"

	"seqcore/pkg/domain"
)

// SessionQuery filters and orders the session list.
type SessionQuery struct {
	Search   string // matches labcode, barcode, patient or doctor name
	Status   domain.FastqStatus
	From     *time.Time
	To       *time.Time
	SortBy   string // created_at|labcode|patient|priority (default priority)
	SortDesc bool
	Page     int
	PageSize int
}

// SessionView is a session with its latest workflow children attached.
type SessionView struct {
	Session     domain.LabSession `json:"session"`
	LatestFastq *domain.FastqFile `json:"latestFastq,omitempty"`
	LatestEtl   *domain.EtlResult `json:"latestEtl,omitempty"`
}

// SessionPage is one page of the session list.
type SessionPage struct {
	Items    []SessionView `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
}

// SessionDetail is the full read model for one session.
type SessionDetail struct {
	Session    domain.LabSession      `json:"session"`
	FastqFiles []domain.FastqFile     `json:"fastqFiles"`
	Pairs      []domain.FastqFilePair `json:"pairs"`
	EtlResults []domain.EtlResult     `json:"etlResults"`
}

// ListSessions returns sessions matching the query, with latest-child context.
func (s *Service) ListSessions(ctx context.Context, q SessionQuery) (SessionPage, error) {
	var views []SessionView
	err := s.store.View(ctx, func(view domain.RuleView) error {
		for _, session := range view.ListLabSessions() {
			sv := SessionView{Session: session}
			if latest, ok := domain.LatestFastqFile(view.FastqFilesBySession(session.ID)); ok {
				f := latest
				sv.LatestFastq = &f
			}
			if latest, ok := domain.LatestEtlResult(view.EtlResultsBySession(session.ID)); ok {
				r := latest
				sv.LatestEtl = &r
			}
			if !matchesQuery(sv, q) {
				continue
			}
			views = append(views, sv)
		}
		return nil
	})
	if err != nil {
		return SessionPage{}, err
	}
	sortSessions(views, q)
	total := len(views)
	page, size := q.Page, q.PageSize
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return SessionPage{Items: views[start:end], Total: total, Page: page, PageSize: size}, nil
}

func matchesQuery(sv SessionView, q SessionQuery) bool {
	if q.Search != "" {
		needle := strings.ToLower(q.Search)
		hay := strings.ToLower(strings.Join([]string{
			sv.Session.Labcode, sv.Session.Barcode, sv.Session.PatientName, sv.Session.DoctorName,
		}, " "))
		if !strings.Contains(hay, needle) {
			return false
		}
	}
	if q.Status != "" {
		if sv.LatestFastq == nil || sv.LatestFastq.Status != q.Status {
			return false
		}
	}
	created := sv.Session.CreatedAt
	if q.From != nil && created.Before(*q.From) {
		return false
	}
	if q.To != nil && created.After(*q.To) {
		return false
	}
	return true
}

func sortSessions(views []SessionView, q SessionQuery) {
	less := func(i, j int) bool { return priorityLess(views[i], views[j]) }
	switch q.SortBy {
	case "created_at":
		less = func(i, j int) bool { return views[i].Session.CreatedAt.Before(views[j].Session.CreatedAt) }
	case "labcode":
		less = func(i, j int) bool { return views[i].Session.Labcode < views[j].Session.Labcode }
	case "patient":
		less = func(i, j int) bool { return views[i].Session.PatientName < views[j].Session.PatientName }
	case "", "priority":
		// workflow priority then recency, never descending
		sort.SliceStable(views, less)
		return
	}
	if q.SortDesc {
		inner := less
		less = func(i, j int) bool { return inner(j, i) }
	}
	sort.SliceStable(views, less)
}

// priorityLess orders by latest-fastq workflow priority, then newest session.
func priorityLess(a, b SessionView) bool {
	pa, pb := sessionPriority(a), sessionPriority(b)
	if pa != pb {
		return pa < pb
	}
	if !a.Session.CreatedAt.Equal(b.Session.CreatedAt) {
		return a.Session.CreatedAt.After(b.Session.CreatedAt)
	}
	return a.Session.ID > b.Session.ID
}

func sessionPriority(sv SessionView) int {
	if sv.LatestFastq == nil {
		return domain.StatusPriority("")
	}
	return domain.StatusPriority(sv.LatestFastq.Status)
}

// GetSessionDetail returns a session with its children sorted newest-first.
// statusFilter, when non-empty, restricts the FastQ files returned.
func (s *Service) GetSessionDetail(ctx context.Context, sessionID string, statusFilter domain.FastqStatus) (SessionDetail, error) {
	var detail SessionDetail
	err := s.store.View(ctx, func(view domain.RuleView) error {
		session, ok := view.FindLabSession(sessionID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityLabSession, ID: sessionID}
		}
		detail.Session = session
		for _, f := range view.FastqFilesBySession(sessionID) {
			if statusFilter != "" && f.Status != statusFilter {
				continue
			}
			detail.FastqFiles = append(detail.FastqFiles, f)
		}
		detail.EtlResults = view.EtlResultsBySession(sessionID)
		for _, p := range view.ListFastqFilePairs() {
			if p.SessionID == sessionID {
				detail.Pairs = append(detail.Pairs, p)
			}
		}
		return nil
	})
	if err != nil {
		return SessionDetail{}, err
	}
	domain.SortFastqFiles(detail.FastqFiles)
	domain.SortEtlResults(detail.EtlResults)
	return detail, nil
}

// ValidationSessions returns sessions that have at least one ETL result,
// each with its latest result attached, ordered newest-result-first.
func (s *Service) ValidationSessions(ctx context.Context) ([]SessionView, error) {
	var views []SessionView
	err := s.store.View(ctx, func(view domain.RuleView) error {
		for _, session := range view.ListLabSessions() {
			latest, ok := domain.LatestEtlResult(view.EtlResultsBySession(session.ID))
			if !ok {
				continue
			}
			r := latest
			sv := SessionView{Session: session, LatestEtl: &r}
			if f, ok := domain.LatestFastqFile(view.FastqFilesBySession(session.ID)); ok {
				ff := f
				sv.LatestFastq = &ff
			}
			views = append(views, sv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i].LatestEtl, views[j].LatestEtl
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return views, nil
}
