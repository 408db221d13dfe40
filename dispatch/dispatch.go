// Package dispatch hands extraction tasks from the submission path to workers.
// Dispatch is one-way: the submitter never learns how a task ended; the worker reports
// through the job directory.
package dispatch

import (
	"context"
	"errors"
	"strings"
)

// Task carries everything a worker needs to process one upload.
type Task struct {
	JobID    string
	FilePath string
	JobDir   string
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.JobID) == "" {
		return errors.New("task job id is empty")
	}
	if strings.TrimSpace(t.FilePath) == "" || strings.TrimSpace(t.JobDir) == "" {
		return errors.New("task paths are empty")
	}
	return nil
}

// Dispatcher enqueues a task for later execution on a worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, t Task) error
}

// Handler executes one task.
type Handler func(ctx context.Context, t Task) error

// Inline runs the handler on the caller's goroutine. The handler does not inherit the
// caller's deadline or cancellation: dispatch deadlines bound enqueueing, not extraction.
type Inline struct {
	Handler Handler
}

func (d Inline) Dispatch(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if d.Handler == nil {
		return errors.New("inline dispatcher has no handler")
	}
	_ = d.Handler(context.WithoutCancel(ctx), t)
	return nil
}
