package core

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"seqcore/pkg/domain"
)

// PipelineInput carries everything the bioinformatics pipeline needs for one
// analysis run.
type PipelineInput struct {
	Result    domain.EtlResult
	Session   domain.LabSession
	Pair      domain.FastqFilePair
	Labcode   string
	Barcode   string
	Requester domain.User
}

// PipelineArtifact is the output of a successful run: the archive bytes and
// their content type, uploaded by the service under a deterministic key.
type PipelineArtifact struct {
	Body        io.Reader
	ContentType string
}

// PipelineRunner executes the analysis pipeline. Runs may take seconds to
// hours; callers must not block a request path on Run.
type PipelineRunner interface {
	Run(ctx context.Context, in PipelineInput) (PipelineArtifact, error)
}

// MockRunner simulates a pipeline run for development and tests. It sleeps
// for the configured delay and emits a small gzip archive, or fails when
// FailWith is set.
type MockRunner struct {
	Delay    time.Duration
	FailWith error
}

func (m *MockRunner) Run(ctx context.Context, in PipelineInput) (PipelineArtifact, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return PipelineArtifact{}, ctx.Err()
		}
	}
	if m.FailWith != nil {
		return PipelineArtifact{}, m.FailWith
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	fmt.Fprintf(zw, "mock analysis for %s/%s r1=%s r2=%s\n", in.Labcode, in.Barcode, in.Pair.R1Key, in.Pair.R2Key)
	if err := zw.Close(); err != nil {
		return PipelineArtifact{}, err
	}
	return PipelineArtifact{Body: &buf, ContentType: "application/gzip"}, nil
}

// ArtifactKey builds the deterministic blob key for an analysis archive.
func ArtifactKey(labcode string, at time.Time) string {
	ts := at.UTC().Format("20060102T150405Z")
	return fmt.Sprintf("etl-results/%s/%s-%s.tar.gz", labcode, labcode, ts)
}
