package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"docforge/api/internal/export"
	"docforge/api/internal/history"
	"docforge/api/internal/search"
	"docforge/api/internal/store"
	"docforge/api/internal/workflow"
)

const (
	maxNameLength = 200
	maxBodyBytes  = 1 << 20
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	if len(parts) == 2 && parts[1] == "search" && r.Method == http.MethodGet {
		s.handleSearch(w, r, actor)
		return
	}

	if len(parts) == 2 && parts[1] == "documents" {
		switch r.Method {
		case http.MethodGet:
			docs, err := s.service.ListDocuments(r.Context(), actor)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
			return
		case http.MethodPost:
			s.handleCreateDocument(w, r, actor)
			return
		}
	}

	if len(parts) >= 3 && parts[1] == "documents" {
		s.handleDocuments(w, r, actor, parts[2], parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request, actor Actor) {
	var body struct {
		Name             string `json:"name"`
		ProblemStatement string `json:"problemStatement"`
		InScope          string `json:"inScope"`
		OutOfScope       string `json:"outOfScope"`
		SuccessCriteria  string `json:"successCriteria"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	name := strings.TrimSpace(body.Name)
	var fields []string
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		fields = append(fields, "name")
	}
	if strings.TrimSpace(body.ProblemStatement) == "" {
		fields = append(fields, "problemStatement")
	}
	if len(fields) > 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("name (1-%d characters) and problemStatement are required", maxNameLength),
			map[string]any{"fields": fields})
		return
	}

	doc, err := s.service.CreateDocument(r.Context(), actor, workflow.CreateDocumentInput{
		Name:             name,
		ProblemStatement: body.ProblemStatement,
		InScope:          body.InScope,
		OutOfScope:       body.OutOfScope,
		SuccessCriteria:  body.SuccessCriteria,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"document": doc})
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, actor Actor, documentID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			doc, err := s.service.GetDocument(ctx, actor, documentID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"document": doc})
			return
		case http.MethodDelete:
			if err := s.service.DeleteDocument(ctx, actor, documentID); err != nil {
				s.fail(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	if len(parts) == 4 && parts[3] == "questions" && r.Method == http.MethodGet {
		round := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("round")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "round must be a positive integer", nil)
				return
			}
			round = parsed
		}
		questions, err := s.service.ListQuestions(ctx, actor, documentID, round)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"questions": questionViews(questions)})
		return
	}

	if len(parts) == 5 && parts[3] == "questions" && parts[4] == "generate" && r.Method == http.MethodPost {
		questions, err := s.service.GenerateQuestions(ctx, actor, documentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"questions": questionViews(questions)})
		return
	}

	if len(parts) == 4 && parts[3] == "answers" && r.Method == http.MethodPost {
		var body struct {
			Answers []workflow.AnswerInput `json:"answers"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if len(body.Answers) == 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "answers must not be empty", nil)
			return
		}
		for i, answer := range body.Answers {
			if strings.TrimSpace(answer.QuestionID) == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "questionId is required",
					map[string]any{"index": i})
				return
			}
		}
		questions, err := s.service.SubmitAnswers(ctx, actor, documentID, body.Answers)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"questions": questionViews(questions)})
		return
	}

	if len(parts) >= 4 && parts[3] == "summary" {
		switch {
		case len(parts) == 5 && parts[4] == "generate" && r.Method == http.MethodPost:
			s.writeDocument(w, r)(s.service.GenerateSummary(ctx, actor, documentID))
			return
		case len(parts) == 5 && parts[4] == "revert" && r.Method == http.MethodPost:
			s.writeDocument(w, r)(s.service.RevertSummary(ctx, actor, documentID))
			return
		case len(parts) == 4 && r.Method == http.MethodPut:
			text, ok := decodeText(w, r, "summary")
			if !ok {
				return
			}
			s.writeDocument(w, r)(s.service.UpdateSummary(ctx, actor, documentID, text))
			return
		}
	}

	if len(parts) >= 4 && parts[3] == "document" {
		switch {
		case len(parts) == 5 && parts[4] == "generate" && r.Method == http.MethodPost:
			s.writeDocument(w, r)(s.service.GenerateDocument(ctx, actor, documentID))
			return
		case len(parts) == 4 && r.Method == http.MethodPut:
			text, ok := decodeText(w, r, "content")
			if !ok {
				return
			}
			s.writeDocument(w, r)(s.service.UpdateDocument(ctx, actor, documentID, text))
			return
		}
	}

	if len(parts) == 4 && parts[3] == "complete" && r.Method == http.MethodPost {
		s.writeDocument(w, r)(s.service.CompleteDocument(ctx, actor, documentID))
		return
	}

	if len(parts) == 4 && parts[3] == "history" && r.Method == http.MethodGet {
		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		commits, err := s.service.History(ctx, actor, documentID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": commitViews(commits)})
		return
	}

	if len(parts) == 5 && parts[3] == "history" && r.Method == http.MethodGet {
		rev, info, err := s.service.Revision(ctx, actor, documentID, parts[4])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commit": newCommitView(info), "revision": rev})
		return
	}

	if len(parts) == 4 && parts[3] == "export" && r.Method == http.MethodGet {
		format, err := export.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be 'md', 'pdf' or 'docx'", nil)
			return
		}
		result, err := s.service.Export(ctx, actor, documentID, format)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.Header().Set("Content-Type", result.MimeType)
		if result.Pages > 0 {
			w.Header().Set("X-Page-Count", strconv.Itoa(result.Pages))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, actor Actor) {
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	status := strings.TrimSpace(query.Get("status"))
	if status != "" && !store.Status(status).Valid() {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown status filter", map[string]any{"status": status})
		return
	}
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), actor, search.Query{
		Text:         text,
		FilterStatus: status,
		Limit:        limit,
		Offset:       offset,
	}))
}

// writeDocument adapts a (view, error) step result to a response.
func (s *HTTPServer) writeDocument(w http.ResponseWriter, r *http.Request) func(workflow.DocumentView, error) {
	return func(doc workflow.DocumentView, err error) {
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": doc})
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", requestIDFrom(r.Context()),
			"path", r.URL.Path,
			"code", code,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Actor{}, false
	}
	actor, err := s.service.ActorFromToken(token)
	if err != nil {
		if isAuthError(err) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Actor{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Token lookup failed", nil)
		return Actor{}, false
	}
	return actor, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Page-Count, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// decodeText reads {field: "..."} and rejects a blank value.
func decodeText(w http.ResponseWriter, r *http.Request, field string) (string, bool) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return "", false
	}
	text, _ := body[field].(string)
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", field+" is required", map[string]any{"fields": []string{field}})
		return "", false
	}
	return text, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

type questionView struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"documentId"`
	RoundNumber int       `json:"roundNumber"`
	Question    string    `json:"question"`
	Answer      *string   `json:"answer"`
	CreatedAt   time.Time `json:"createdAt"`
}

func questionViews(questions []store.Question) []questionView {
	views := make([]questionView, 0, len(questions))
	for _, q := range questions {
		views = append(views, questionView{
			ID:          q.ID,
			DocumentID:  q.DocumentID,
			RoundNumber: q.RoundNumber,
			Question:    q.Text,
			Answer:      q.Answer,
			CreatedAt:   q.CreatedAt,
		})
	}
	return views
}

type commitView struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

func newCommitView(info history.CommitInfo) commitView {
	return commitView{Hash: info.Hash, Message: info.Message, Author: info.Author, CreatedAt: info.CreatedAt}
}

func commitViews(commits []history.CommitInfo) []commitView {
	views := make([]commitView, 0, len(commits))
	for _, c := range commits {
		views = append(views, newCommitView(c))
	}
	return views
}
