package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/cv-match-engine/internal/config"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
	"github.com/fairyhunter13/cv-match-engine/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Ingest   usecase.IngestService
	Match    usecase.MatchService
	Jobs     usecase.JobService
	Docs     usecase.DocumentService
	Postings usecase.PostingService

	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	QdrantCheck func(ctx context.Context) error
	TikaCheck   func(ctx context.Context) error
	KafkaCheck  func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// allowedExt enforces an allowlist for uploads. Image types are accepted
// because scanned CVs arrive as photos; the parser OCRs them.
func allowedExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".pdf", ".doc", ".docx", ".png", ".jpg", ".jpeg", ".tif", ".tiff":
		return true
	}
	return false
}

// mimeForExt maps an upload extension to the MIME prefixes its bytes may
// detect as. Legacy .doc files without full Word structure sniff as bare
// OLE storage, stripped .docx as plain zip; both still parse.
var mimeForExt = map[string][]string{
	".pdf":  {"application/pdf"},
	".doc":  {"application/msword", "application/x-ole-storage"},
	".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "application/zip"},
	".png":  {"image/png"},
	".jpg":  {"image/jpeg"},
	".jpeg": {"image/jpeg"},
	".tif":  {"image/tiff"},
	".tiff": {"image/tiff"},
}

func allowedMIMEFor(m string, filename string) bool {
	m = strings.ToLower(m)
	ext := strings.ToLower(filepath.Ext(filename))
	// .txt accepts any text/* since detectors misclassify rich plain text
	if ext == ".txt" && strings.HasPrefix(m, "text/") {
		return true
	}
	if strings.HasPrefix(m, "text/plain") { // allow charset parameters
		return true
	}
	for _, prefix := range mimeForExt[ext] {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

// acceptsJSON rejects requests whose Accept header excludes JSON.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") || strings.Contains(a, "*/*") {
		return true
	}
	writeError(w, r, fmt.Errorf("%w: accept header %q not supported", domain.ErrInvalidArgument, a), nil)
	return false
}

// IngestHandler handles a multipart upload of one document of the given
// kind under the "file" field.
func (s *Server) IngestHandler(kind domain.DocumentKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxUploadBytes()
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<16)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeError(w, r, fmt.Errorf("%w: body exceeds %d MB", domain.ErrTooLarge, s.Cfg.MaxUploadMB), nil)
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file field required", domain.ErrInvalidArgument), map[string]string{"field": "file"})
			return
		}
		defer func() { _ = file.Close() }()

		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: read upload: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if !allowedExt(header.Filename) {
			writeError(w, r, fmt.Errorf("%w: extension of %s", domain.ErrUnsupportedType, header.Filename),
				map[string]string{"filename": header.Filename})
			return
		}
		mt := mimetype.Detect(data)
		if !allowedMIMEFor(mt.String(), header.Filename) {
			writeError(w, r, fmt.Errorf("%w: detected %s", domain.ErrUnsupportedType, mt.String()),
				map[string]string{"mime": mt.String(), "filename": header.Filename})
			return
		}

		res, err := s.Ingest.Upload(r.Context(), kind, header.Filename, mt.String(), data)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		status := http.StatusAccepted
		if res.Aliased {
			status = http.StatusOK
		}
		writeJSON(w, status, res)
	}
}

// DocumentGetHandler returns a document row. The text is PII-masked;
// ?include_pii=true attaches the stripped contact strings.
func (s *Server) DocumentGetHandler() http.HandlerFunc {
	type response struct {
		ID          string            `json:"id"`
		Kind        string            `json:"kind"`
		ContentHash string            `json:"content_hash"`
		Text        string            `json:"text"`
		Filename    string            `json:"filename"`
		MIME        string            `json:"mime"`
		Size        int64             `json:"size"`
		Source      string            `json:"source"`
		CreatedAt   time.Time         `json:"created_at"`
		PII         *domain.PIIRecord `json:"pii,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		doc, err := s.Docs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := response{
			ID:          doc.ID,
			Kind:        string(doc.Kind),
			ContentHash: doc.ContentHash,
			Text:        doc.Text,
			Filename:    doc.Filename,
			MIME:        doc.MIME,
			Size:        doc.Size,
			Source:      doc.Source,
			CreatedAt:   doc.CreatedAt,
		}
		if r.URL.Query().Get("include_pii") == "true" {
			pii, err := s.Docs.GetPII(r.Context(), id)
			if err == nil {
				resp.PII = &pii
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// DocumentDeleteHandler removes a document and its derived data.
func (s *Server) DocumentDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Docs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// MatchHandler scores one CV against one JD synchronously.
func (s *Server) MatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			JDID string `json:"jd_id" validate:"required"`
			CVID string `json:"cv_id" validate:"required"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := validateStruct(w, r, req); err != nil {
			return
		}
		score, err := s.Match.Sync(r.Context(), req.JDID, req.CVID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, score)
	}
}

// BulkMatchHandler submits an asynchronous bulk match job.
func (s *Server) BulkMatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 4<<20)
		var req struct {
			JDID  string   `json:"jd_id" validate:"required"`
			CVIDs []string `json:"cv_ids" validate:"required,min=1,max=10000"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := validateStruct(w, r, req); err != nil {
			return
		}
		jobID, err := s.Match.SubmitBulk(r.Context(), req.JDID, req.CVIDs, r.Header.Get("Idempotency-Key"))
		if err != nil {
			// conflict still names the job already holding this key
			writeError(w, r, err, map[string]string{"id": jobID})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": jobID, "status": string(domain.JobQueued)})
	}
}

// JobHandler returns job status with ETag-based conditional responses.
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if v := ValidateJobID(id); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: job id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		view, etag, err := s.Jobs.Fetch(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// PostingCreateHandler registers a posting for an ingested JD.
func (s *Server) PostingCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			JDID        string `json:"jd_id" validate:"required"`
			SubjectCode string `json:"subject_code" validate:"required"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := validateStruct(w, r, req); err != nil {
			return
		}
		posting, err := s.Postings.Create(r.Context(), req.JDID, req.SubjectCode)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":           posting.ID,
			"jd_id":        posting.JDID,
			"subject_code": posting.SubjectCode,
			"public_token": posting.PublicToken,
			"active":       posting.Active,
		})
	}
}

// PostingCloseHandler deactivates a posting.
func (s *Server) PostingCloseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Postings.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ApplicationsHandler lists a posting's applications, best score first.
func (s *Server) ApplicationsHandler() http.HandlerFunc {
	type application struct {
		ID             string    `json:"id"`
		CVID           string    `json:"cv_id"`
		ApplicantName  string    `json:"applicant_name"`
		ApplicantEmail string    `json:"applicant_email"`
		Status         string    `json:"status"`
		MatchScore     *float64  `json:"match_score,omitempty"`
		SubmittedAt    time.Time `json:"submitted_at"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		apps, err := s.Postings.ListApplications(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]application, 0, len(apps))
		for _, a := range apps {
			out = append(out, application{
				ID:             a.ID,
				CVID:           a.CVID,
				ApplicantName:  a.ApplicantName,
				ApplicantEmail: a.ApplicantEmail,
				Status:         a.Status,
				MatchScore:     a.MatchScore,
				SubmittedAt:    a.SubmittedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"applications": out, "total": len(out)})
	}
}

// ReadyzHandler probes every external dependency with a short deadline.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	probes := []struct {
		name string
		fn   func() func(context.Context) error
	}{
		{"db", func() func(context.Context) error { return s.DBCheck }},
		{"redis", func() func(context.Context) error { return s.RedisCheck }},
		{"qdrant", func() func(context.Context) error { return s.QdrantCheck }},
		{"tika", func() func(context.Context) error { return s.TikaCheck }},
		{"kafka", func() func(context.Context) error { return s.KafkaCheck }},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, len(probes))
		ok := true
		for _, p := range probes {
			fn := p.fn()
			if fn == nil {
				continue
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: p.name, Details: err.Error()})
				ok = false
			} else {
				checks = append(checks, check{Name: p.name, OK: true})
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// validateStruct runs the shared validator and writes the 400 itself.
// A nil return means the request survived.
func validateStruct(w http.ResponseWriter, r *http.Request, req any) error {
	err := getValidator().Struct(req)
	if err == nil {
		return nil
	}
	verrs := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			verrs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
	return err
}
