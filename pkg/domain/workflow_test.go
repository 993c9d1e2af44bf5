package domain

import (
	"testing"
	"time"
)

func mkFastq(id string, created time.Time, status FastqStatus) FastqFile {
	return FastqFile{
		Base:   Base{ID: id, CreatedAt: created},
		Status: status,
	}
}

func TestStatusPriorityOrdering(t *testing.T) {
	cases := []struct {
		status FastqStatus
		want   int
	}{
		{FastqWaitForApproval, 1},
		{FastqRejected, 2},
		{FastqApproved, 3},
		{FastqUploaded, 4},
		{FastqStatus("bogus"), 4},
	}
	for _, tc := range cases {
		if got := StatusPriority(tc.status); got != tc.want {
			t.Fatalf("priority of %s: got %d want %d", tc.status, got, tc.want)
		}
	}
}

func TestLatestFastqFileSkipsUploaded(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	files := []FastqFile{
		mkFastq("a", base.Add(-time.Hour), FastqApproved),
		mkFastq("b", base, FastqUploaded),
		mkFastq("c", base.Add(-2*time.Hour), FastqRejected),
	}
	latest, ok := LatestFastqFile(files)
	if !ok {
		t.Fatal("expected a workflow-visible file")
	}
	if latest.ID != "a" {
		t.Fatalf("latest = %s, want a (UPLOADED is not workflow-visible)", latest.ID)
	}
}

func TestLatestFastqFileTieBreaksOnID(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	files := []FastqFile{
		mkFastq("aaa", ts, FastqWaitForApproval),
		mkFastq("zzz", ts, FastqWaitForApproval),
		mkFastq("mmm", ts, FastqWaitForApproval),
	}
	latest, _ := LatestFastqFile(files)
	if latest.ID != "zzz" {
		t.Fatalf("tie-break latest = %s, want zzz", latest.ID)
	}
}

func TestLatestFastqFileEmpty(t *testing.T) {
	if _, ok := LatestFastqFile(nil); ok {
		t.Fatal("expected no latest file for empty input")
	}
	onlyUploaded := []FastqFile{mkFastq("a", time.Now(), FastqUploaded)}
	if _, ok := LatestFastqFile(onlyUploaded); ok {
		t.Fatal("expected no latest file when all files are UPLOADED")
	}
}

func TestValidFastqTransition(t *testing.T) {
	legal := [][2]FastqStatus{
		{FastqUploaded, FastqWaitForApproval},
		{FastqWaitForApproval, FastqApproved},
		{FastqWaitForApproval, FastqRejected},
		{FastqApproved, FastqWaitForApproval},
	}
	for _, edge := range legal {
		if !ValidFastqTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be legal", edge[0], edge[1])
		}
	}
	illegal := [][2]FastqStatus{
		{FastqUploaded, FastqApproved},
		{FastqUploaded, FastqRejected},
		{FastqRejected, FastqWaitForApproval},
		{FastqRejected, FastqApproved},
		{FastqApproved, FastqRejected},
	}
	for _, edge := range illegal {
		if ValidFastqTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be illegal", edge[0], edge[1])
		}
	}
}

func TestValidEtlTransition(t *testing.T) {
	legal := [][2]EtlStatus{
		{EtlProcessing, EtlCompleted},
		{EtlProcessing, EtlFailed},
		{EtlFailed, EtlProcessing},
		{EtlCompleted, EtlWaitForApproval},
		{EtlWaitForApproval, EtlApproved},
		{EtlWaitForApproval, EtlRejected},
	}
	for _, edge := range legal {
		if !ValidEtlTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be legal", edge[0], edge[1])
		}
	}
	illegal := [][2]EtlStatus{
		{EtlCompleted, EtlProcessing},
		{EtlRejected, EtlProcessing},
		{EtlApproved, EtlWaitForApproval},
		{EtlProcessing, EtlWaitForApproval},
	}
	for _, edge := range illegal {
		if ValidEtlTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be illegal", edge[0], edge[1])
		}
	}
}

func TestSortEtlResultsNewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	results := []EtlResult{
		{Base: Base{ID: "old", CreatedAt: base}},
		{Base: Base{ID: "new", CreatedAt: base.Add(time.Minute)}},
		{Base: Base{ID: "mid", CreatedAt: base.Add(30 * time.Second)}},
	}
	SortEtlResults(results)
	if results[0].ID != "new" || results[1].ID != "mid" || results[2].ID != "old" {
		t.Fatalf("unexpected order: %s %s %s", results[0].ID, results[1].ID, results[2].ID)
	}
}

func TestUserHasRole(t *testing.T) {
	u := User{Roles: []Role{{Code: 2}, {Code: 5}}}
	if !u.HasRole(5) {
		t.Fatal("expected role 5")
	}
	if !u.HasRole(1, 2) {
		t.Fatal("expected role match within set")
	}
	if u.HasRole(9) {
		t.Fatal("did not expect role 9")
	}
}
