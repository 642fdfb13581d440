package server

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cropalato/chart-registry/internal/pipeline"
	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

// Multipart field names of an upload
const (
	TarballField    = "tarball"
	ProvenanceField = "provenance"
)

// multipartMemory is how much of a multipart body is kept in memory before spilling to disk
const multipartMemory = 8 << 20

func (s *Server) heartbeat(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "Ok.")
}

func (s *Server) getIndex(w http.ResponseWriter, r *http.Request) {
	owner, err := pathInt(r, "owner")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := s.indexes.Document(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeFile(w, r, &pipeline.Content{Name: "index.yaml", ContentType: "application/yaml; charset=utf-8", Data: data})
}

func (s *Server) listReleases(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	releases, err := s.releases.List(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, releases)
}

func (s *Server) getRelease(w http.ResponseWriter, r *http.Request) {
	ref, err := releaseRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rel, err := s.releases.Get(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rel)
}

func (s *Server) uploadRelease(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	req, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.RepositoryID = id
	req.Version = mux.Vars(r)["version"]

	rel, err := s.releases.Upload(r.Context(), *req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rel)
}

// readUpload extracts the tarball and optional provenance parts of a multipart upload
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (*pipeline.UploadRequest, error) {
	if r.ContentLength > s.config.MaxUploadSize {
		return nil, tooLargeError(s.config.MaxUploadSize)
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, tooLargeError(tooLarge.Limit)
		}
		return nil, customerrors.NewValidationError(customerrors.CodeNotFilePart, "body", nil,
			"expected a multipart/form-data body with a file part")
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	tarball := firstFile(r.MultipartForm, TarballField)
	if tarball == nil {
		return nil, customerrors.NewValidationError(customerrors.CodeNotFilePart, TarballField, nil,
			"no file part found in request")
	}

	req := &pipeline.UploadRequest{UpdateText: r.FormValue("update_text")}
	var err error
	if req.Tarball, err = readPart(tarball); err != nil {
		return nil, err
	}
	if headers := r.MultipartForm.File[ProvenanceField]; len(headers) > 0 {
		if req.Provenance, err = readPart(headers[0]); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func tooLargeError(limit int64) error {
	return customerrors.NewValidationError(customerrors.CodeInvalidTarball, "tarball", nil,
		"upload exceeds "+strconv.FormatInt(limit, 10)+" bytes")
}

// firstFile returns the named file part, or the first file part of any other field but provenance
func firstFile(form *multipart.Form, name string) *multipart.FileHeader {
	if headers := form.File[name]; len(headers) > 0 {
		return headers[0]
	}
	fields := make([]string, 0, len(form.File))
	for field := range form.File {
		if field != ProvenanceField {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	for _, field := range fields {
		if headers := form.File[field]; len(headers) > 0 {
			return headers[0]
		}
	}
	return nil
}

func readPart(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open part %s", header.Filename)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read part %s", header.Filename)
	}
	return data, nil
}

func (s *Server) updateRelease(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body updateRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil || body.UpdateText == nil {
		s.writeError(w, r, customerrors.NewValidationError(customerrors.CodeInvalidBody, "update_text", nil,
			`expected a JSON object {"update_text": "..."}`))
		return
	}

	rel, err := s.releases.Update(r.Context(), id, mux.Vars(r)["version"], *body.UpdateText)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rel)
}

func (s *Server) deleteRelease(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.releases.Delete(r.Context(), id, mux.Vars(r)["version"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) getChartYAML(w http.ResponseWriter, r *http.Request) {
	s.serveContent(w, r, s.releases.ChartYAML)
}

func (s *Server) getValuesYAML(w http.ResponseWriter, r *http.Request) {
	s.serveContent(w, r, s.releases.ValuesYAML)
}

func (s *Server) getTarball(w http.ResponseWriter, r *http.Request) {
	s.serveContent(w, r, s.releases.Tarball)
}

func (s *Server) getProvenance(w http.ResponseWriter, r *http.Request) {
	s.serveContent(w, r, s.releases.Provenance)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	ref, err := releaseRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	names, err := s.releases.Templates(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, names)
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	ref, err := releaseRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	content, err := s.releases.Template(r.Context(), ref, mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeFile(w, r, content)
}

type contentFunc func(ctx context.Context, ref pipeline.ReleaseRef) (*pipeline.Content, error)

func (s *Server) serveContent(w http.ResponseWriter, r *http.Request, fetch contentFunc) {
	ref, err := releaseRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	content, err := fetch(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeFile(w, r, content)
}

func releaseRef(r *http.Request) (pipeline.ReleaseRef, error) {
	id, err := pathInt(r, "id")
	if err != nil {
		return pipeline.ReleaseRef{}, err
	}
	ref := pipeline.ReleaseRef{RepositoryID: id, Version: mux.Vars(r)["version"]}

	if raw := r.URL.Query().Get("allow_prerelease"); raw != "" {
		allow, err := strconv.ParseBool(raw)
		if err != nil {
			return pipeline.ReleaseRef{}, customerrors.NewValidationError(customerrors.CodeInvalidBody,
				"allow_prerelease", raw, "expected a boolean")
		}
		ref.AllowPrerelease = allow
	}
	return ref, nil
}

func pathInt(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, customerrors.NewNotFoundError(name, raw)
	}
	return v, nil
}

func (s *Server) logRequestError(r *http.Request, err error) {
	s.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
}
