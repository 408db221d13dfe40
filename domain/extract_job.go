package domain

import (
	"errors"
	"time"
)

// Artifact file names inside a job directory. Exactly one of them exists once a job is done.
const (
	ResultArtifact = "output.csv"
	ErrorArtifact  = "error.txt"
)

// NoTablesMessage is the body of the error artifact when a PDF yields no usable table.
const NoTablesMessage = "No tables found in the PDF."

var (
	ErrMissingFilePart = errors.New("No file part")
	ErrEmptyFilename   = errors.New("No selected file")
	ErrJobNotFound     = errors.New("Task ID not found")
	ErrNoTablesFound   = errors.New(NoTablesMessage)
)

// JobState is derived from the job directory, never stored.
type JobState string

const (
	JobStatePending   JobState = "in-progress"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// JobStatus is the result of inspecting one job directory.
type JobStatus struct {
	ID    string
	Dir   string
	State JobState
	// ArtifactPath is set for terminal states only.
	ArtifactPath string
}

// ExtractJob is the metadata kept alongside the directory (submission info and timings).
// The directory stays the source of truth for the state.
type ExtractJob struct {
	ID         string     `json:"id"`
	FileName   string     `json:"fileName"`
	FilePath   string     `json:"-"`
	Size       int64      `json:"size"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	// Outcome is "succeeded", "failed" or "no_tables" once finished.
	Outcome string `json:"outcome,omitempty"`
	Rows    int    `json:"rows,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeNoTables  = "no_tables"
)
