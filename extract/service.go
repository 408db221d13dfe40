package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pdftables/dispatch"
	"pdftables/domain"
	"pdftables/jobstore"
	"pdftables/obs"
	"pdftables/ossstore"
	"pdftables/store"
	"pdftables/tables"
)

const (
	uploadField     = "file"
	defaultMaxBytes = 50 << 20

	contentTypeCSV  = "text/csv; charset=utf-8"
	contentTypeText = "text/plain; charset=utf-8"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Service is the HTTP surface: submission (POST /upload), status (GET /status/{id})
// and job metadata (GET /jobs/{id}).
type Service struct {
	jobs       *jobstore.Store
	meta       store.JobStore
	dispatcher dispatch.Dispatcher
	oss        *ossstore.Mirror
	maxBytes   int64
	logger     *slog.Logger
}

func NewService(jobs *jobstore.Store, meta store.JobStore, d dispatch.Dispatcher, logger *slog.Logger) *Service {
	if meta == nil {
		meta = store.NewInMemoryJobStore()
	}
	return &Service{
		jobs:       jobs,
		meta:       meta,
		dispatcher: d,
		maxBytes:   defaultMaxBytes,
		logger:     obs.Logger(logger),
	}
}

func (s *Service) SetOSS(o *ossstore.Mirror) { s.oss = o }

func (s *Service) SetMaxUploadBytes(n int64) {
	if n > 0 {
		s.maxBytes = n
	}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/status/", s.handleStatus)
	mux.HandleFunc("/jobs/", s.handleJob)
}

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Stream multipart to disk (avoid ParseMultipartForm buffering).
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		// Not a multipart body: there is no file part to speak of.
		s.rejectUpload(w, domain.ErrMissingFilePart)
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.rejectStream(w, err)
			return
		}
		filename, isFile := partFileName(part)
		if part.FormName() != uploadField || !isFile {
			// Drain unknown parts to keep parser healthy.
			_, _ = io.Copy(io.Discard, part)
			_ = part.Close()
			continue
		}
		if jobstore.SafeBaseName(filename) == "" {
			_ = part.Close()
			s.rejectUpload(w, domain.ErrEmptyFilename)
			return
		}
		s.accept(w, r, part, filename)
		_ = part.Close()
		return
	}
	s.rejectUpload(w, domain.ErrMissingFilePart)
}

// partFileName reports the filename parameter of a part and whether it was present at all,
// so that `filename=""` (a file field with no name) differs from a plain form field.
func partFileName(p *multipart.Part) (string, bool) {
	cd := p.Header.Get("Content-Disposition")
	if cd == "" {
		return "", false
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return "", false
	}
	name, ok := params["filename"]
	return name, ok
}

func (s *Service) accept(w http.ResponseWriter, r *http.Request, part io.Reader, filename string) {
	id := jobstore.NewJobID()
	dir, err := s.jobs.Create(id)
	if err != nil {
		s.logger.Error("create job dir failed", "job_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "failed to create job"})
		return
	}
	path, size, err := jobstore.SaveUpload(dir, filename, part)
	if err != nil {
		_ = os.RemoveAll(dir)
		s.rejectStream(w, err)
		return
	}

	job := &domain.ExtractJob{
		ID:        id,
		FileName:  filepath.Base(path),
		FilePath:  path,
		Size:      size,
		CreatedAt: time.Now(),
	}
	if err := s.meta.Create(r.Context(), job); err != nil {
		s.logger.Warn("save job metadata failed", "job_id", id, "err", err)
	}
	s.mirrorUpload(job)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	task := dispatch.Task{JobID: id, FilePath: path, JobDir: dir}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		s.logger.Error("dispatch job failed", "job_id", id, "err", err)
		// Without a worker the job would read as in-progress forever.
		if werr := jobstore.WriteError(dir, fmt.Sprintf("Error: dispatch failed: %v\n", err)); werr != nil {
			s.logger.Error("write error artifact failed", "job_id", id, "err", werr)
		}
		obs.RecordUpload("dispatch_failed", size)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": "failed to enqueue job"})
		return
	}

	s.logger.Info("job accepted", "job_id", id, "file", job.FileName, "size", size)
	obs.RecordUpload("accepted", size)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": id})
}

func (s *Service) rejectUpload(w http.ResponseWriter, err error) {
	obs.RecordUpload("rejected", 0)
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
}

func (s *Service) rejectStream(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		obs.RecordUpload("too_large", 0)
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]interface{}{
			"error": fmt.Sprintf("file exceeds %d bytes", tooLarge.Limit),
		})
		return
	}
	obs.RecordUpload("invalid", 0)
	s.logger.Warn("read upload failed", "err", err)
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid multipart stream"})
}

func (s *Service) mirrorUpload(job *domain.ExtractJob) {
	if s.oss == nil || !s.oss.Enabled() {
		return
	}
	if err := s.oss.MirrorUpload(job.ID, job.FileName, job.FilePath); err != nil {
		s.logger.Warn("mirror upload to oss failed", "job_id", job.ID, "err", err)
	}
}

// jobIDFromPath extracts {id} from /<prefix>/{id}; anything deeper is not a job route.
func jobIDFromPath(path, prefix string) (string, bool) {
	id := strings.TrimPrefix(path, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := jobIDFromPath(r.URL.Path, "/status/")
	if !ok {
		writeNotFound(w)
		return
	}

	st, err := s.jobs.Inspect(id)
	if errors.Is(err, domain.ErrJobNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.Error("inspect job failed", "job_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "server error"})
		return
	}

	switch st.State {
	case domain.JobStatePending:
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": string(domain.JobStatePending)})
		return
	case domain.JobStateSucceeded:
		switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))) {
		case "xlsx":
			s.serveXLSX(w, r, st)
			return
		case "url":
			s.serveSignedURL(w, st, domain.ResultArtifact)
			return
		}
		serveArtifact(w, r, st.ArtifactPath, contentTypeCSV)
	case domain.JobStateFailed:
		if strings.EqualFold(r.URL.Query().Get("format"), "url") {
			s.serveSignedURL(w, st, domain.ErrorArtifact)
			return
		}
		serveArtifact(w, r, st.ArtifactPath, contentTypeText)
	}
}

func serveArtifact(w http.ResponseWriter, r *http.Request, path, contentType string) {
	w.Header().Set("Content-Type", contentType)
	http.ServeFile(w, r, path)
}

func (s *Service) serveXLSX(w http.ResponseWriter, r *http.Request, st domain.JobStatus) {
	f, err := os.Open(st.ArtifactPath)
	if err != nil {
		s.logger.Error("open result failed", "job_id", st.ID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "server error"})
		return
	}
	defer f.Close()
	t, err := tables.ReadCSV(f)
	if err != nil {
		s.logger.Error("read result failed", "job_id", st.ID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "server error"})
		return
	}

	sheet := "Tables"
	if job, ok, _ := s.meta.Get(r.Context(), st.ID); ok {
		sheet = tables.SheetNameFromFile(job.FileName)
	}
	var buf bytes.Buffer
	if err := tables.WriteXLSX(&buf, t, sheet); err != nil {
		s.logger.Error("build xlsx failed", "job_id", st.ID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "server error"})
		return
	}
	w.Header().Set("Content-Type", contentTypeXLSX)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", "output.xlsx", url.PathEscape("output.xlsx")))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(buf.Bytes())
	}
}

func (s *Service) serveSignedURL(w http.ResponseWriter, st domain.JobStatus, artifact string) {
	if s.oss == nil || !s.oss.Enabled() {
		writeJSON(w, http.StatusNotImplemented, map[string]interface{}{"error": "download links are not enabled"})
		return
	}
	signed, err := s.oss.ArtifactURL(st.ID, artifact)
	if err != nil {
		s.logger.Error("sign download url failed", "job_id", st.ID, "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": "failed to sign download url"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"url":      signed,
		"filename": artifact,
	})
}

func (s *Service) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := jobIDFromPath(r.URL.Path, "/jobs/")
	if !ok {
		writeNotFound(w)
		return
	}
	st, err := s.jobs.Inspect(id)
	if errors.Is(err, domain.ErrJobNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.Error("inspect job failed", "job_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "server error"})
		return
	}

	resp := map[string]interface{}{
		"id":    id,
		"state": string(st.State),
	}
	job, ok, err := s.meta.Get(r.Context(), id)
	if err != nil {
		s.logger.Warn("load job metadata failed", "job_id", id, "err", err)
	}
	if ok {
		resp["fileName"] = job.FileName
		resp["size"] = job.Size
		resp["createdAt"] = job.CreatedAt
		if job.StartedAt != nil {
			resp["startedAt"] = job.StartedAt
		}
		if job.FinishedAt != nil {
			resp["finishedAt"] = job.FinishedAt
		}
		if job.Outcome != "" {
			resp["outcome"] = job.Outcome
		}
		if job.Rows > 0 {
			resp["rows"] = job.Rows
		}
		if job.Error != "" {
			resp["error"] = job.Error
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": domain.ErrJobNotFound.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
