// Package web serves the browser form and a small JSON API over the
// assistant pipeline.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"codeassist/internal/assistant"
	"codeassist/internal/dataset"
	"codeassist/internal/llm"
	"codeassist/internal/memory"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const sessionCookie = "codeassist_session"

// Assistant is the pipeline the server drives.
type Assistant interface {
	Handle(ctx context.Context, req assistant.Request) (assistant.Reply, error)
	Memory() *memory.Manager
}

type Options struct {
	Addr           string
	UploadMaxBytes int64
	// RequestTimeout bounds one prompt round trip, model plus sandbox.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type Server struct {
	assistant Assistant
	opts      Options
	logger    *slog.Logger
	tmpl      *template.Template
	server    *http.Server
	startTime time.Time
}

func NewServer(a Assistant, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.UploadMaxBytes <= 0 {
		opts.UploadMaxBytes = 10 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	s := &Server{
		assistant: a,
		opts:      opts,
		logger:    opts.Logger,
		tmpl:      template.Must(template.New("index").Funcs(template.FuncMap{"truncate": memory.Truncate}).Parse(indexHTML)),
		startTime: time.Now(),
	}
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      opts.RequestTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ask", s.handleAsk)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleIndex)
	return s.withRequestID(mux)
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.opts.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

var errBadSession = errors.New("session must be a UUID issued by this server")

// explicitSession resolves a session named by an API caller. Only UUIDs are
// accepted; an empty id falls back to the cookie session.
func (s *Server) explicitSession(w http.ResponseWriter, r *http.Request, id string) (string, error) {
	if id == "" {
		return s.session(w, r), nil
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return "", errBadSession
	}
	return u.String(), nil
}

type requestIDKey struct{}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		s.logger.Debug("http request", "request_id", id, "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func (s *Server) requestLogger(r *http.Request) *slog.Logger {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return s.logger.With("request_id", id)
}

// session returns the caller's session id, issuing a cookie on first visit.
func (s *Server) session(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value
		}
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

type pageData struct {
	Prompt  string
	Error   string
	Reply   *assistant.Reply
	Message string
	Dataset string
	History []memory.Record
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	session := s.session(w, r)
	switch r.Method {
	case http.MethodGet:
		s.render(w, http.StatusOK, pageData{History: s.assistant.Memory().All(session)})
	case http.MethodPost:
		s.handleForm(w, r, session)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request, session string) {
	logger := s.requestLogger(r)
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.UploadMaxBytes)
	if err := r.ParseMultipartForm(s.opts.UploadMaxBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		s.render(w, http.StatusBadRequest, pageData{Error: "Could not read the form: " + err.Error(), History: s.assistant.Memory().All(session)})
		return
	}

	data := pageData{Prompt: r.FormValue("prompt")}
	ds, err := uploadedDataset(r)
	if err != nil {
		data.Error = err.Error()
		data.History = s.assistant.Memory().All(session)
		s.render(w, http.StatusBadRequest, data)
		return
	}
	if ds != nil {
		data.Dataset = fmt.Sprintf("%s (%d rows, %d columns)", ds.Name, ds.Len(), len(ds.Columns))
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()
	reply, err := s.assistant.Handle(ctx, assistant.Request{Session: session, Prompt: data.Prompt, Dataset: ds})
	status := http.StatusOK
	switch {
	case errors.Is(err, assistant.ErrEmptyPrompt):
		status, data.Error = http.StatusBadRequest, "Please enter a prompt."
	case errors.Is(err, llm.ErrUpstream):
		logger.Warn("model unavailable", "err", err)
		status, data.Error = http.StatusBadGateway, "The language model is not reachable: "+err.Error()
	case err != nil:
		logger.Error("request failed", "err", err)
		status, data.Error = http.StatusInternalServerError, err.Error()
	default:
		data.Reply = &reply
		data.Message = reply.Message()
	}
	data.History = s.assistant.Memory().All(session)
	s.render(w, status, data)
}

func uploadedDataset(r *http.Request) (*dataset.Frame, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read the upload: %w", err)
	}
	defer file.Close()
	if header.Size == 0 {
		return nil, nil
	}
	ds, err := dataset.FromCSV(header.Filename, file)
	if err != nil {
		return nil, fmt.Errorf("could not parse %s as CSV: %w", header.Filename, err)
	}
	return ds, nil
}

func (s *Server) render(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.tmpl.Execute(w, data); err != nil {
		s.logger.Error("failed to render page", "err", err)
	}
}

type askRequest struct {
	Session string `json:"session,omitempty"`
	Prompt  string `json:"prompt"`
	// CSV is an optional table bound as df.
	CSV string `json:"csv,omitempty"`
}

type askResponse struct {
	Session string `json:"session"`
	assistant.Reply
	Message string `json:"message"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger := s.requestLogger(r)
	var req askRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.UploadMaxBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request: "+err.Error())
		return
	}
	session, err := s.explicitSession(w, r, req.Session)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Session = session
	var ds *dataset.Frame
	if strings.TrimSpace(req.CSV) != "" {
		if ds, err = dataset.FromCSV("upload.csv", strings.NewReader(req.CSV)); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()
	reply, err := s.assistant.Handle(ctx, assistant.Request{Session: req.Session, Prompt: req.Prompt, Dataset: ds})
	switch {
	case errors.Is(err, assistant.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, llm.ErrUpstream):
		logger.Warn("model unavailable", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
	case err != nil:
		logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, askResponse{Session: req.Session, Reply: reply, Message: reply.Message()})
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	session, err := s.explicitSession(w, r, r.URL.Query().Get("session"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.assistant.Memory().Reset(session)
	s.requestLogger(r).Info("session memory reset", "session", session)
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "session": session})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "codeassist",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"sessions":  s.assistant.Memory().Sessions(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
