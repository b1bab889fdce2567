package api

import (
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/logger"
	"github.com/ajitpratap0/tripflow/pkg/models"
)

// multipartMemory is the part of an upload kept in memory while parsing.
const multipartMemory = 8 << 20

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

// batchRequest is the JSON form of a batch submission. urls holds either
// newline separated text or a list.
type batchRequest struct {
	URLs json.RawMessage `json:"urls"`
}

type batchResponse struct {
	BatchID int64         `json:"batch_id"`
	Status  models.Status `json:"status"`
	Total   int           `json:"total"`
}

func (s *Server) handleSubmitUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeError(w, r, errors.Wrap(err, errors.ErrorTypeValidation, "invalid multipart upload"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, errors.Wrap(err, errors.ErrorTypeValidation, "missing file part"))
		return
	}
	defer file.Close()

	kind := models.KindFromURL(header.Filename)
	if raw := r.FormValue("kind"); raw != "" {
		kind, err = models.ParseKind(raw)
		if err != nil {
			s.writeError(w, r, errors.Wrap(err, errors.ErrorTypeValidation, "invalid kind"))
			return
		}
	}

	u, err := s.svc.SubmitUpload(r.Context(), header.Filename, file, kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	u, err := s.svc.Upload(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleProcessUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	u, err := s.svc.ProcessUpload(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	text, err := readURLList(http.MaxBytesReader(w, r.Body, s.maxUpload), r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.svc.SubmitBatch(r.Context(), text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, batchResponse{BatchID: b.ID, Status: b.Status, Total: b.Total})
}

// readURLList accepts a plain text body or a JSON object whose urls field
// is a string or a list of strings.
func readURLList(body io.Reader, contentType string) (string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "failed to read request body")
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "application/json" {
		return string(raw), nil
	}

	var req batchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "invalid json body")
	}
	if len(req.URLs) == 0 {
		return "", errors.New(errors.ErrorTypeValidation, "missing urls field")
	}

	var text string
	if err := json.Unmarshal(req.URLs, &text); err == nil {
		return text, nil
	}
	var list []string
	if err := json.Unmarshal(req.URLs, &list); err != nil {
		return "", errors.New(errors.ErrorTypeValidation, "urls must be a string or a list of strings")
	}
	return strings.Join(list, "\n"), nil
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	st, err := s.svc.BatchStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	it, err := s.svc.RetryItem(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, it)
}

func (s *Server) handleProcessPending(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, errors.Newf(errors.ErrorTypeValidation, "invalid limit %q", raw))
			return
		}
		limit = n
	}
	res, err := s.svc.ProcessPending(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, errors.New(errors.ErrorTypeValidation, "invalid id"))
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}
	switch errors.TypeOf(err) {
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeConflict:
		return http.StatusConflict
	case errors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrorTypeConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Type: string(errors.TypeOf(err))}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), s.logger).Error("Request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
