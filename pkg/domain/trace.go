package domain

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/idoudali/ai-how/pkg/log"
)

const metadataFile = "trace_metadata.json"

// Tracer records every definition handed to the hypervisor, one folder per
// operation run, so a failed provision can be diagnosed from the exact
// documents that were submitted.
type Tracer struct {
	fs     afero.Fs
	dir    string
	logger zerolog.Logger

	// now is swapped out in tests for stable folder names
	now func() time.Time
}

// NewTracer creates a tracer rooted at dir. A nil fs uses the host
// filesystem.
func NewTracer(fs afero.Fs, dir string) *Tracer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Tracer{
		fs:     fs,
		dir:    dir,
		logger: log.WithComponent("trace"),
		now:    time.Now,
	}
}

// Run is one operation's trace folder. Files are numbered in the order they
// are recorded.
type Run struct {
	ID        string
	Dir       string
	tracer    *Tracer
	cluster   string
	operation string
	startedAt time.Time
	files     []string
}

// StartRun opens a new trace folder named after the cluster, the operation,
// and a timestamp.
func (t *Tracer) StartRun(cluster, operation string) (*Run, error) {
	started := t.now().UTC()
	dir := filepath.Join(t.dir, fmt.Sprintf("run_%s_%s_%s", cluster, operation, started.Format("20060102-150405")))
	if err := t.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory %s: %w", dir, err)
	}
	return &Run{
		ID:        uuid.NewString(),
		Dir:       dir,
		tracer:    t,
		cluster:   cluster,
		operation: operation,
		startedAt: started,
	}, nil
}

// Record writes one document into the run folder under a sequence-numbered
// name. Trace failures are logged, not fatal: an audit gap must not abort a
// provision that is otherwise healthy.
func (r *Run) Record(name, content string) {
	filename := fmt.Sprintf("%02d_%s", len(r.files)+1, name)
	path := filepath.Join(r.Dir, filename)
	if err := afero.WriteFile(r.tracer.fs, path, []byte(content), 0o644); err != nil {
		r.tracer.logger.Warn().Err(err).Str("file", path).Msg("failed to record trace document")
		return
	}
	r.files = append(r.files, filename)
}

// runMetadata is the machine-readable summary closing out a run folder.
type runMetadata struct {
	RunID      string   `json:"run_id"`
	Cluster    string   `json:"cluster"`
	Operation  string   `json:"operation"`
	Status     string   `json:"status"`
	StartedAt  string   `json:"started_at"`
	FinishedAt string   `json:"finished_at"`
	Files      []string `json:"files"`
}

// Finish writes the run's metadata document with its final status.
func (r *Run) Finish(status string) {
	meta := runMetadata{
		RunID:      r.ID,
		Cluster:    r.cluster,
		Operation:  r.operation,
		Status:     status,
		StartedAt:  r.startedAt.Format(time.RFC3339),
		FinishedAt: r.tracer.now().UTC().Format(time.RFC3339),
		Files:      r.files,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		r.tracer.logger.Warn().Err(err).Msg("failed to encode trace metadata")
		return
	}
	path := filepath.Join(r.Dir, metadataFile)
	if err := afero.WriteFile(r.tracer.fs, path, append(data, '\n'), 0o644); err != nil {
		r.tracer.logger.Warn().Err(err).Str("file", path).Msg("failed to write trace metadata")
	}
}
