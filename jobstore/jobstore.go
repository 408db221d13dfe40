// Package jobstore keeps one directory per job under an upload root. The directory is the
// source of truth for job state: it holds the uploaded file and, once processing is done,
// exactly one artifact (domain.ResultArtifact or domain.ErrorArtifact).
package jobstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"pdftables/domain"
)

// ErrArtifactExists is returned when a job directory already holds an artifact.
var ErrArtifactExists = errors.New("job artifact already written")

type Store struct {
	root string
}

func New(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("upload root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

// NewJobID returns a fresh random job ID.
func NewJobID() string { return uuid.NewString() }

// ValidID reports whether id can name a job directory. Only canonical UUIDs are accepted,
// which also keeps ids like "../x" out of the filesystem.
func ValidID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

func (s *Store) JobDir(id string) string {
	return filepath.Join(s.root, id)
}

// Create makes the directory for a new job and returns its path.
func (s *Store) Create(id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("invalid job id %q", id)
	}
	dir := s.JobDir(id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	return dir, nil
}

// SaveUpload streams src into dir under the base name of filename.
func SaveUpload(dir, filename string, src io.Reader) (string, int64, error) {
	name := SafeBaseName(filename)
	if dir == "" || name == "" {
		return "", 0, errors.New("invalid upload path")
	}
	if name == domain.ResultArtifact || name == domain.ErrorArtifact || name == claimFile {
		name = "upload_" + name
	}
	dst := filepath.Join(dir, name)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return "", 0, err
	}
	return dst, n, nil
}

// SafeBaseName strips any directory part a client may send in a multipart filename.
func SafeBaseName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	base := filepath.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}

// Inspect derives the state of job id from its directory.
func (s *Store) Inspect(id string) (domain.JobStatus, error) {
	if !ValidID(id) {
		return domain.JobStatus{ID: id}, domain.ErrJobNotFound
	}
	st, err := InspectDir(s.JobDir(id))
	st.ID = id
	return st, err
}

// InspectDir computes the state once from the artifacts present in dir. A result
// artifact wins over an error artifact; neither means the job is still pending.
func InspectDir(dir string) (domain.JobStatus, error) {
	st := domain.JobStatus{Dir: dir, State: domain.JobStatePending}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return st, domain.ErrJobNotFound
	}
	if err != nil {
		return st, err
	}
	if p := filepath.Join(dir, domain.ResultArtifact); isFile(p) {
		st.State = domain.JobStateSucceeded
		st.ArtifactPath = p
		return st, nil
	}
	if p := filepath.Join(dir, domain.ErrorArtifact); isFile(p) {
		st.State = domain.JobStateFailed
		st.ArtifactPath = p
	}
	return st, nil
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// HasArtifact reports whether dir already holds a result or an error artifact.
func HasArtifact(dir string) bool {
	return isFile(filepath.Join(dir, domain.ResultArtifact)) || isFile(filepath.Join(dir, domain.ErrorArtifact))
}

// WriteResult writes the result artifact through write. Nothing is visible under the
// artifact name until write has succeeded.
func WriteResult(dir string, write func(w io.Writer) error) error {
	return writeArtifact(dir, domain.ResultArtifact, write)
}

// WriteError writes msg as the error artifact.
func WriteError(dir, msg string) error {
	return writeArtifact(dir, domain.ErrorArtifact, func(w io.Writer) error {
		_, err := io.WriteString(w, msg)
		return err
	})
}

// claimFile marks the artifact slot of a job as taken. It is created with O_EXCL right
// before the artifact is published, so at most one writer per job directory gets past it.
const claimFile = ".artifact"

func writeArtifact(dir, name string, write func(w io.Writer) error) error {
	if HasArtifact(dir) {
		return ErrArtifactExists
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	release, err := claim(dir)
	if err != nil {
		return err
	}
	if HasArtifact(dir) {
		return ErrArtifactExists
	}
	// Link fails if the name exists, unlike Rename which replaces it.
	if err := os.Link(tmpPath, filepath.Join(dir, name)); err != nil {
		release()
		if errors.Is(err, fs.ErrExist) {
			return ErrArtifactExists
		}
		return err
	}
	return nil
}

// claim takes the artifact slot of dir. The claim is kept once an artifact is published;
// release gives it back when publishing failed.
func claim(dir string) (release func(), err error) {
	p := filepath.Join(dir, claimFile)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, ErrArtifactExists
	}
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	return func() { _ = os.Remove(p) }, nil
}
