package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/quailyquaily/markedit/assets"
	"github.com/quailyquaily/markedit/task"
)

type submitResponse struct {
	TaskID string      `json:"taskId"`
	Status task.Status `json:"status"`
}

type taskView struct {
	ID              string       `json:"id"`
	Status          task.Status  `json:"status"`
	Payload         task.Payload `json:"payload"`
	CreatedAt       int64        `json:"createdAt"`
	Result          *string      `json:"result"`
	Error           *string      `json:"error"`
	Timeline        []task.Event `json:"timeline"`
	Attempts        int          `json:"attempts"`
	ResubmittedFrom string       `json:"resubmittedFrom,omitempty"`
}

type healthResponse struct {
	OK    bool       `json:"ok"`
	Port  int        `json:"port"`
	Stats task.Stats `json:"stats"`
}

type uploadResponse struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

func viewOf(t task.Task) taskView {
	v := taskView{
		ID:              t.ID,
		Status:          t.Status,
		Payload:         t.Payload,
		CreatedAt:       t.CreatedAt.UnixMilli(),
		Timeline:        t.Timeline,
		Attempts:        t.Attempts,
		ResubmittedFrom: t.ResubmittedFrom,
	}
	if t.Result != "" {
		v.Result = &t.Result
	}
	if t.Error != "" {
		v.Error = &t.Error
	}
	if v.Timeline == nil {
		v.Timeline = []task.Event{}
	}
	return v
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes)
	var p task.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	t, err := s.deps.Orchestrator.Submit(p)
	if err != nil {
		var ve *task.ValidationError
		switch {
		case errors.As(err, &ve):
			s.log.Warn("submit_invalid", "error", err.Error())
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, task.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.log.Error("submit_error", "error", err.Error())
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{TaskID: t.ID, Status: t.Status})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.deps.Store.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Orchestrator.Resubmit(r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, submitResponse{TaskID: t.ID, Status: t.Status})
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, task.ErrNotTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, task.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("resubmit_error", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{OK: true, Port: s.deps.Port, Stats: s.deps.Store.Stats()})
}

// handleUpload streams the first "file" part straight to disk.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Assets == nil {
		writeError(w, http.StatusServiceUnavailable, "uploads are disabled")
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			_ = part.Close()
			continue
		}
		a, err := s.deps.Assets.SaveUpload(r.Context(), part.FileName(), part.Header.Get("Content-Type"), s.baseURL(r), part)
		_ = part.Close()
		if err != nil {
			s.log.Error("upload_error", "filename", part.FileName(), "error", err.Error())
			writeError(w, http.StatusInternalServerError, "upload failed: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, uploadResponse{URL: a.URL, Filename: part.FileName(), Size: a.Size})
		return
	}
	writeError(w, http.StatusBadRequest, "No file uploaded")
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	if s.deps.Assets == nil {
		writeJSON(w, http.StatusOK, map[string]any{"assets": []assets.Asset{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.deps.Assets.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("kind")), limit)
	if err != nil {
		s.log.Error("assets_list_error", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []assets.Asset{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": list})
}

func (s *Server) baseURL(r *http.Request) string {
	if s.deps.PublicBaseURL != "" {
		return s.deps.PublicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if v := r.Header.Get("X-Forwarded-Proto"); v != "" {
		scheme = v
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
