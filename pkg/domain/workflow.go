package domain

import "sort"

// StatusPriority ranks FastQ workflow statuses for session list ordering:
// items awaiting a decision sort first, then rejected, then approved.
func StatusPriority(status FastqStatus) int {
	switch status {
	case FastqWaitForApproval:
		return 1
	case FastqRejected:
		return 2
	case FastqApproved:
		return 3
	default:
		return 4
	}
}

// WorkflowVisible reports whether a FastQ status participates in approval
// workflow queries. Freshly uploaded files are not yet visible.
func WorkflowVisible(status FastqStatus) bool {
	switch status {
	case FastqWaitForApproval, FastqApproved, FastqRejected:
		return true
	default:
		return false
	}
}

// LatestFastqFile returns the most recently created workflow-visible file.
// Creation-time ties break toward the highest ID for determinism.
func LatestFastqFile(files []FastqFile) (FastqFile, bool) {
	var latest FastqFile
	found := false
	for _, f := range files {
		if !WorkflowVisible(f.Status) {
			continue
		}
		if !found || newerRecord(f.Base, latest.Base) {
			latest = f
			found = true
		}
	}
	return latest, found
}

// LatestEtlResult returns the most recently created result for a session,
// ties broken by highest ID.
func LatestEtlResult(results []EtlResult) (EtlResult, bool) {
	var latest EtlResult
	found := false
	for _, r := range results {
		if !found || newerRecord(r.Base, latest.Base) {
			latest = r
			found = true
		}
	}
	return latest, found
}

func newerRecord(a, b Base) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// SortFastqFiles orders files newest-first with the deterministic tie-break.
func SortFastqFiles(files []FastqFile) {
	sort.SliceStable(files, func(i, j int) bool {
		return newerRecord(files[i].Base, files[j].Base)
	})
}

// SortEtlResults orders results newest-first with the deterministic tie-break.
func SortEtlResults(results []EtlResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return newerRecord(results[i].Base, results[j].Base)
	})
}

// fastqEdges enumerates the legal FastQ status transitions. The APPROVED ->
// WAIT_FOR_APPROVAL edge reopens the upstream gate after a validation-stage
// rejection.
var fastqEdges = map[FastqStatus]map[FastqStatus]struct{}{
	FastqUploaded:        {FastqWaitForApproval: {}},
	FastqWaitForApproval: {FastqApproved: {}, FastqRejected: {}},
	FastqApproved:        {FastqWaitForApproval: {}},
}

// ValidFastqTransition reports whether from -> to is a legal FastQ edge.
func ValidFastqTransition(from, to FastqStatus) bool {
	if from == to {
		return true
	}
	next, ok := fastqEdges[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// etlEdges enumerates the legal ETL result transitions. FAILED -> PROCESSING
// covers operator retry and staleness re-runs, which reuse the same row.
var etlEdges = map[EtlStatus]map[EtlStatus]struct{}{
	EtlProcessing:      {EtlCompleted: {}, EtlFailed: {}},
	EtlFailed:          {EtlProcessing: {}},
	EtlCompleted:       {EtlWaitForApproval: {}},
	EtlWaitForApproval: {EtlApproved: {}, EtlRejected: {}},
}

// ValidEtlTransition reports whether from -> to is a legal ETL edge.
func ValidEtlTransition(from, to EtlStatus) bool {
	if from == to {
		return true
	}
	next, ok := etlEdges[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
