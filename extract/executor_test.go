package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdftables/dispatch"
	"pdftables/domain"
	"pdftables/jobstore"
	"pdftables/store"
	"pdftables/streamq"
	"pdftables/tables"
	"pdftables/tabula"
)

type fakeExtractor struct {
	tables []*tables.Table
	err    error
	panics bool
	calls  atomic.Int32
}

func (f *fakeExtractor) Extract(_ context.Context, path string) ([]*tables.Table, error) {
	f.calls.Add(1)
	if f.panics {
		panic("extractor blew up")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return f.tables, f.err
}

func newTask(t *testing.T) dispatch.Task {
	t.Helper()
	st, err := jobstore.New(t.TempDir())
	require.NoError(t, err)
	id := jobstore.NewJobID()
	dir, err := st.Create(id)
	require.NoError(t, err)
	pdf := filepath.Join(dir, "statement.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF-1.4\n"), 0o644))
	return dispatch.Task{JobID: id, FilePath: pdf, JobDir: dir}
}

func readArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(b)
}

func assertSingleArtifact(t *testing.T, dir string, want domain.JobState) {
	t.Helper()
	st, err := jobstore.InspectDir(dir)
	require.NoError(t, err)
	assert.Equal(t, want, st.State)
	_, errRes := os.Stat(filepath.Join(dir, domain.ResultArtifact))
	_, errErr := os.Stat(filepath.Join(dir, domain.ErrorArtifact))
	assert.False(t, errRes == nil && errErr == nil, "both artifacts present")
}

func assertTerminal(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, streamq.IsTerminal(err))
}

func TestExecutorSucceeded(t *testing.T) {
	task := newTask(t)
	meta := store.NewInMemoryJobStore()
	require.NoError(t, meta.Create(context.Background(), &domain.ExtractJob{ID: task.JobID, FileName: "statement.pdf"}))

	ex := &fakeExtractor{tables: []*tables.Table{
		{Headers: []string{"Date", "Amount"}, Rows: [][]string{{"2024-01-01", "10"}, {"2024-01-02", "20"}}},
		{},
		{Headers: []string{"d", "a"}, Rows: [][]string{{"2024-01-03", "30"}}},
	}}
	err := NewExecutor(ex, meta, nil).Process(context.Background(), task)
	assertTerminal(t, err)
	assert.NoError(t, errors.Unwrap(err))

	assert.Equal(t, "Date,Amount\n2024-01-01,10\n2024-01-02,20\n2024-01-03,30\n", readArtifact(t, task.JobDir, domain.ResultArtifact))
	assertSingleArtifact(t, task.JobDir, domain.JobStateSucceeded)

	job, ok, err := meta.Get(context.Background(), task.JobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSucceeded, job.Outcome)
	assert.Equal(t, 3, job.Rows)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)
	assert.Empty(t, job.Error)
}

func TestExecutorNoTables(t *testing.T) {
	tests := map[string][]*tables.Table{
		"none":      nil,
		"all empty": {{}, {Headers: []string{"a"}}},
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			task := newTask(t)
			meta := store.NewInMemoryJobStore()
			require.NoError(t, meta.Create(context.Background(), &domain.ExtractJob{ID: task.JobID}))

			err := NewExecutor(&fakeExtractor{tables: in}, meta, nil).Process(context.Background(), task)
			assertTerminal(t, err)

			body := readArtifact(t, task.JobDir, domain.ErrorArtifact)
			assert.Contains(t, body, "No tables found in the PDF")
			assertSingleArtifact(t, task.JobDir, domain.JobStateFailed)

			job, _, _ := meta.Get(context.Background(), task.JobID)
			assert.Equal(t, domain.OutcomeNoTables, job.Outcome)
		})
	}
}

func TestExecutorMissingFileWithRealAdapter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), jobstore.NewJobID())
	task := dispatch.Task{JobID: filepath.Base(dir), FilePath: filepath.Join(dir, "missing.pdf"), JobDir: dir}

	adapter := tabula.New(tabula.Config{Jar: "/opt/tabula.jar"}, nil, nil)
	err := NewExecutor(adapter, nil, nil).Process(context.Background(), task)
	assertTerminal(t, err)

	body := readArtifact(t, dir, domain.ErrorArtifact)
	assert.True(t, strings.HasPrefix(body, "Error: "), body)
	assert.Contains(t, body, "no such file or directory")
	assertSingleArtifact(t, dir, domain.JobStateFailed)
}

func TestExecutorFailures(t *testing.T) {
	tests := []struct {
		name string
		ex   *fakeExtractor
		want string
	}{
		{"extractor error", &fakeExtractor{err: errors.New("corrupt xref table")}, "Error: corrupt xref table\n"},
		{"panic", &fakeExtractor{panics: true}, "Error: panic: extractor blew up\n"},
		{"wider later table", &fakeExtractor{tables: []*tables.Table{
			{Headers: []string{"a"}, Rows: [][]string{{"1"}}},
			{Headers: []string{"a", "b"}, Rows: [][]string{{"2", "3"}}},
		}}, "length mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := newTask(t)
			err := NewExecutor(tt.ex, nil, nil).Process(context.Background(), task)
			assertTerminal(t, err)
			assert.Contains(t, readArtifact(t, task.JobDir, domain.ErrorArtifact), tt.want)
			assertSingleArtifact(t, task.JobDir, domain.JobStateFailed)
		})
	}
}

func TestExecutorSkipsFinishedJob(t *testing.T) {
	task := newTask(t)
	require.NoError(t, jobstore.WriteError(task.JobDir, domain.NoTablesMessage))

	ex := &fakeExtractor{tables: []*tables.Table{{Headers: []string{"a"}, Rows: [][]string{{"1"}}}}}
	err := NewExecutor(ex, nil, nil).Process(context.Background(), task)
	assertTerminal(t, err)
	assert.NoError(t, errors.Unwrap(err))
	assert.Equal(t, int32(0), ex.calls.Load())
	assertSingleArtifact(t, task.JobDir, domain.JobStateFailed)
}

func TestExecutorRejectsInvalidTask(t *testing.T) {
	ex := &fakeExtractor{}
	err := NewExecutor(ex, nil, nil).Process(context.Background(), dispatch.Task{JobID: "x"})
	assertTerminal(t, err)
	assert.Error(t, errors.Unwrap(err))
	assert.Equal(t, int32(0), ex.calls.Load())
}

func TestExecutorConcurrentRunsWriteOneArtifact(t *testing.T) {
	task := newTask(t)
	ex := &fakeExtractor{tables: []*tables.Table{{Headers: []string{"a"}, Rows: [][]string{{"1"}}}}}
	e := NewExecutor(ex, nil, nil)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_ = e.Process(context.Background(), task)
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Equal(t, "a\n1\n", readArtifact(t, task.JobDir, domain.ResultArtifact))
	assertSingleArtifact(t, task.JobDir, domain.JobStateSucceeded)
}
