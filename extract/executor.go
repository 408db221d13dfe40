package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"pdftables/dispatch"
	"pdftables/domain"
	"pdftables/jobstore"
	"pdftables/obs"
	"pdftables/ossstore"
	"pdftables/redislock"
	"pdftables/store"
	"pdftables/streamq"
	"pdftables/tables"
)

const tracerName = "pdftables/extract"

// TableExtractor turns a PDF into the raw tables found on its pages.
type TableExtractor interface {
	Extract(ctx context.Context, path string) ([]*tables.Table, error)
}

// Executor runs one extraction job and records its outcome as exactly one artifact in the
// job directory: output.csv on success, error.txt otherwise.
type Executor struct {
	extractor TableExtractor
	jobs      store.JobStore
	oss       *ossstore.Mirror
	lock      *redislock.Client
	worker    string
	logger    *slog.Logger
	now       func() time.Time
}

func NewExecutor(ex TableExtractor, jobs store.JobStore, logger *slog.Logger) *Executor {
	return &Executor{
		extractor: ex,
		jobs:      jobs,
		worker:    "extract",
		logger:    obs.Logger(logger),
		now:       time.Now,
	}
}

// SetOSS mirrors every written artifact to s when it is enabled.
func (e *Executor) SetOSS(s *ossstore.Mirror) { e.oss = s }

// SetLock serialises work on a job id across worker replicas.
func (e *Executor) SetLock(l *redislock.Client) { e.lock = l }

// SetWorkerName sets the worker label used in metrics.
func (e *Executor) SetWorkerName(name string) {
	if name = strings.TrimSpace(name); name != "" {
		e.worker = name
	}
}

type outcome struct {
	kind    string
	tables  int
	rows    int
	message string
	cause   error
	// writeErr is set when no artifact could be written at all.
	writeErr error
}

// Process runs t once. The returned error is always streamq.Terminal: a job gets a
// single attempt and its outcome lives in the job directory, never in the queue.
func (e *Executor) Process(ctx context.Context, t dispatch.Task) error {
	if err := t.Validate(); err != nil {
		e.logger.Error("drop invalid task", "job_id", t.JobID, "err", err)
		return streamq.Terminal(err)
	}
	if e.lock == nil {
		return streamq.Terminal(e.run(ctx, t))
	}

	ran := false
	err := e.lock.Hold(ctx, t.JobID, func() error {
		ran = true
		return e.run(ctx, t)
	})
	switch {
	case ran:
		return streamq.Terminal(err)
	case errors.Is(err, redislock.ErrNotAcquired):
		e.logger.Info("job locked by another worker, skipping", "job_id", t.JobID)
		return streamq.Terminal(nil)
	default:
		// Artifact writes refuse to overwrite, so running without the lock cannot
		// produce both artifacts.
		e.logger.Warn("job lock unavailable, running unlocked", "job_id", t.JobID, "err", err)
		return streamq.Terminal(e.run(ctx, t))
	}
}

// Handler adapts Process to dispatch.Handler.
func (e *Executor) Handler() dispatch.Handler {
	return e.Process
}

func (e *Executor) run(ctx context.Context, t dispatch.Task) error {
	start := e.now()

	if err := os.MkdirAll(t.JobDir, 0o755); err != nil {
		e.logger.Error("create job dir failed", "job_id", t.JobID, "dir", t.JobDir, "err", err)
		obs.RecordWorkerJob(e.worker, obs.OutcomeFailed, start)
		return fmt.Errorf("create job dir: %w", err)
	}
	if jobstore.HasArtifact(t.JobDir) {
		e.logger.Info("job already finished, skipping", "job_id", t.JobID)
		obs.RecordWorkerJob(e.worker, obs.OutcomeSkipped, start)
		return nil
	}

	ctx, span := obs.StartJobSpan(ctx, tracerName, "extract.job", t.JobID)
	e.logger.Info("job started", "job_id", t.JobID, "file", t.FilePath)
	e.touch(ctx, t.JobID, func(j *domain.ExtractJob) { j.StartedAt = &start })

	res := e.execute(ctx, t)

	obs.RecordWorkerJob(e.worker, res.kind, start)
	if res.kind == obs.OutcomeSkipped {
		obs.EndSpan(span, nil)
		return nil
	}
	obs.RecordExtraction(res.tables, res.rows)

	finished := e.now()
	e.touch(ctx, t.JobID, func(j *domain.ExtractJob) {
		j.FinishedAt = &finished
		j.Outcome = res.kind
		j.Rows = res.rows
		j.Error = strings.TrimSpace(res.message)
	})

	if res.writeErr == nil {
		e.mirror(t, res)
		e.logger.Info("job finished", "job_id", t.JobID, "outcome", res.kind, "rows", res.rows, "duration", time.Since(start).String())
	}
	obs.EndSpan(span, errors.Join(res.cause, res.writeErr))
	return res.writeErr
}

func (e *Executor) execute(ctx context.Context, t dispatch.Task) (res outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("extraction panic", "job_id", t.JobID, "panic", r)
			res = e.fail(t, fmt.Errorf("panic: %v", r))
		}
	}()

	raw, err := e.extractor.Extract(ctx, t.FilePath)
	if err != nil {
		return e.fail(t, err)
	}
	combined, err := tables.Combine(raw)
	if errors.Is(err, domain.ErrNoTablesFound) {
		e.logger.Warn("no tables found in the PDF", "job_id", t.JobID, "tables", len(raw))
		if werr := jobstore.WriteError(t.JobDir, domain.NoTablesMessage); werr != nil {
			return e.writeFailed(t, err, werr)
		}
		return outcome{kind: obs.OutcomeNoTables, tables: len(raw), message: domain.NoTablesMessage, cause: err}
	}
	if err != nil {
		return e.fail(t, err)
	}

	err = jobstore.WriteResult(t.JobDir, func(w io.Writer) error {
		return tables.WriteCSV(w, combined)
	})
	if errors.Is(err, jobstore.ErrArtifactExists) {
		e.logger.Info("job finished elsewhere while extracting", "job_id", t.JobID)
		return outcome{kind: obs.OutcomeSkipped}
	}
	if err != nil {
		return e.fail(t, fmt.Errorf("write result: %w", err))
	}
	return outcome{kind: obs.OutcomeSucceeded, tables: len(raw), rows: len(combined.Rows)}
}

// fail writes cause as the error artifact.
func (e *Executor) fail(t dispatch.Task, cause error) outcome {
	e.logger.Error("extraction failed", "job_id", t.JobID, "err", cause)
	msg := "Error: " + cause.Error() + "\n"
	if err := jobstore.WriteError(t.JobDir, msg); err != nil {
		return e.writeFailed(t, cause, err)
	}
	return outcome{kind: obs.OutcomeFailed, message: msg, cause: cause}
}

func (e *Executor) writeFailed(t dispatch.Task, cause, werr error) outcome {
	if errors.Is(werr, jobstore.ErrArtifactExists) {
		return outcome{kind: obs.OutcomeSkipped}
	}
	e.logger.Error("write error artifact failed", "job_id", t.JobID, "err", werr)
	return outcome{
		kind:     obs.OutcomeFailed,
		message:  "Error: " + cause.Error(),
		cause:    cause,
		writeErr: fmt.Errorf("write error artifact: %w", werr),
	}
}

func (e *Executor) touch(ctx context.Context, jobID string, fn func(j *domain.ExtractJob)) {
	if e.jobs == nil {
		return
	}
	if _, _, err := e.jobs.Update(ctx, jobID, fn); err != nil {
		e.logger.Warn("update job metadata failed", "job_id", jobID, "err", err)
	}
}

func (e *Executor) mirror(t dispatch.Task, res outcome) {
	if e.oss == nil || !e.oss.Enabled() {
		return
	}
	name := domain.ErrorArtifact
	if res.kind == obs.OutcomeSucceeded {
		name = domain.ResultArtifact
	}
	if err := e.oss.MirrorArtifact(t.JobID, t.JobDir, name); err != nil {
		e.logger.Warn("mirror artifact to oss failed", "job_id", t.JobID, "artifact", name, "err", err)
	}
}
