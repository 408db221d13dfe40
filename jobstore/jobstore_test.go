package jobstore

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdftables/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "static"))
	require.NoError(t, err)
	return st
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID(NewJobID()))
	for _, id := range []string{"", "invalid_task_id", "../etc", "6F9619FF-8B86-D011-B42D-00C04FC964FF"} {
		assert.False(t, ValidID(id), id)
	}
}

func TestInspectUnknownJob(t *testing.T) {
	st := newStore(t)
	for _, id := range []string{"invalid_task_id", NewJobID()} {
		_, err := st.Inspect(id)
		assert.ErrorIs(t, err, domain.ErrJobNotFound, id)
	}
}

func TestLifecycle(t *testing.T) {
	st := newStore(t)
	id := NewJobID()
	dir, err := st.Create(id)
	require.NoError(t, err)

	path, n, err := SaveUpload(dir, "../../tokens.pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tokens.pdf"), path)
	assert.EqualValues(t, 8, n)

	got, err := st.Inspect(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatePending, got.State)
	assert.Empty(t, got.ArtifactPath)

	require.NoError(t, WriteResult(dir, func(w io.Writer) error {
		_, err := io.WriteString(w, "A,B\n1,2\n")
		return err
	}))
	got, err = st.Inspect(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateSucceeded, got.State)
	assert.Equal(t, filepath.Join(dir, domain.ResultArtifact), got.ArtifactPath)

	// The second artifact is refused: never both.
	assert.ErrorIs(t, WriteError(dir, "boom"), ErrArtifactExists)
	_, err = os.Stat(filepath.Join(dir, domain.ErrorArtifact))
	assert.True(t, os.IsNotExist(err))
}

func TestCreateTwiceFails(t *testing.T) {
	st := newStore(t)
	id := NewJobID()
	_, err := st.Create(id)
	require.NoError(t, err)
	_, err = st.Create(id)
	assert.Error(t, err)
	_, err = st.Create("not-a-uuid")
	assert.Error(t, err)
}

func TestErrorArtifact(t *testing.T) {
	st := newStore(t)
	id := NewJobID()
	dir, err := st.Create(id)
	require.NoError(t, err)

	require.NoError(t, WriteError(dir, domain.NoTablesMessage))
	got, err := st.Inspect(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, got.State)
	b, err := os.ReadFile(got.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, domain.NoTablesMessage, string(b))

	assert.ErrorIs(t, WriteResult(dir, func(io.Writer) error { return nil }), ErrArtifactExists)
}

func TestFailedWriteLeavesNoArtifact(t *testing.T) {
	dir := t.TempDir()
	err := WriteResult(dir, func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return errors.New("disk full")
	})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be cleaned up")

	st, err := InspectDir(dir)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatePending, st.State)
}

func TestConcurrentResultAndErrorWriteOneArtifact(t *testing.T) {
	for i := 0; i < 200; i++ {
		dir := t.TempDir()
		start := make(chan struct{})
		errs := make(chan error, 2)
		go func() {
			<-start
			errs <- WriteResult(dir, func(w io.Writer) error {
				_, err := io.WriteString(w, "a\n1\n")
				return err
			})
		}()
		go func() {
			<-start
			errs <- WriteError(dir, "Error: dispatch failed\n")
		}()
		close(start)

		var won int
		for j := 0; j < 2; j++ {
			if err := <-errs; err == nil {
				won++
			} else {
				require.ErrorIs(t, err, ErrArtifactExists)
			}
		}
		require.Equal(t, 1, won, "run %d", i)

		_, errRes := os.Stat(filepath.Join(dir, domain.ResultArtifact))
		_, errErr := os.Stat(filepath.Join(dir, domain.ErrorArtifact))
		require.False(t, errRes == nil && errErr == nil, "both artifacts present in run %d", i)
		require.True(t, HasArtifact(dir))
	}
}

func TestClaimReleasedWhenPublishFails(t *testing.T) {
	dir := t.TempDir()
	release, err := claim(dir)
	require.NoError(t, err)
	_, err = claim(dir)
	assert.ErrorIs(t, err, ErrArtifactExists)

	release()
	require.NoError(t, WriteError(dir, "boom"))
	st, err := InspectDir(dir)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, st.State)
}

func TestUploadNamedLikeArtifact(t *testing.T) {
	dir := t.TempDir()
	path, _, err := SaveUpload(dir, "output.csv", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "upload_output.csv"), path)

	path, _, err = SaveUpload(dir, claimFile, strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "upload_"+claimFile), path)

	st, err := InspectDir(dir)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatePending, st.State)
}

func TestSafeBaseName(t *testing.T) {
	tests := map[string]string{
		"a.pdf":            "a.pdf",
		"dir/a.pdf":        "a.pdf",
		`C:\Users\x\a.pdf`: "a.pdf",
		"..":               "",
		"":                 "",
		"  ":               "",
	}
	for in, want := range tests {
		assert.Equal(t, want, SafeBaseName(in), "input %q", in)
	}
}

func TestReaper(t *testing.T) {
	st := newStore(t)

	oldDone := NewJobID()
	dir, err := st.Create(oldDone)
	require.NoError(t, err)
	require.NoError(t, WriteError(dir, "x"))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, domain.ErrorArtifact), past, past))

	freshDone := NewJobID()
	dir, err = st.Create(freshDone)
	require.NoError(t, err)
	require.NoError(t, WriteError(dir, "x"))

	pending := NewJobID()
	_, err = st.Create(pending)
	require.NoError(t, err)

	r := NewReaper(st, 24*time.Hour, time.Minute, nil)
	n, err := r.ReapOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.Inspect(oldDone)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = st.Inspect(freshDone)
	assert.NoError(t, err)
	_, err = st.Inspect(pending)
	assert.NoError(t, err)
}
