package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lexassist/internal/idempotency"
	"lexassist/internal/ratelimit"
	"lexassist/internal/usertoken"
	"lexassist/internal/util"
	"lexassist/pkg/assistant"
	"lexassist/pkg/domain"
	"lexassist/services/chat/internal/app"
)

const (
	maxJSONBodyBytes   = 1 << 20
	multipartMemory    = 32 << 20
	multipartOverhead  = 1 << 20
	idempotencyHeader  = "Idempotency-Key"
	submitLimiterScope = "submit"
)

// Authenticator turns a bearer token into the calling user.
type Authenticator interface {
	VerifyUser(ctx context.Context, token string) (domain.User, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Auth           Authenticator
	Limiter        ratelimit.Limiter
	AllowedOrigins []string
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app     *app.App
	auth    Authenticator
	limiter ratelimit.Limiter
	cors    *util.CORS
	trusted *util.TrustedProxies
	mux     *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("authenticator required")
	}
	s := &Server{
		app:     cfg.App,
		auth:    cfg.Auth,
		limiter: cfg.Limiter,
		cors:    util.NewCORS(cfg.AllowedOrigins),
		trusted: cfg.TrustedProxies,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("chat", s.trusted, util.WithRecover(util.WithSecurityHeaders(s.cors.Wrap(s.mux)))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// conversations
	s.mux.Handle("/conversations", s.withUser(s.handleConversations))
	s.mux.Handle("/conversations/", s.withUser(s.handleConversationByID))

	// documents
	s.mux.Handle("/documents", s.withUser(s.handleDocuments))
	s.mux.Handle("/documents/", s.withUser(s.handleDocumentByID))

	// assistants
	s.mux.Handle("/assistants", s.withUser(s.handleAssistants))
	s.mux.Handle("/assistants/", s.withUser(s.handleAssistantByID))

	s.mux.Handle("/users/me/usage", s.withUser(s.handleUsage))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "chat.token.verify", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		user, err := s.auth.VerifyUser(r.Context(), token)
		if err != nil {
			s.audit(r, "chat.token.verify", "fail", "reason", "invalid_signature_or_claims")
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.ID))
		next(w, r.WithContext(ctx), user)
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateConversation(w, r, user)
	case http.MethodGet:
		s.handleListConversations(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

// /conversations/{id}, /conversations/{id}/messages or
// /conversations/{id}/messages/{messageId}/feedback
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/conversations/"), "/")
	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" {
		notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			detail, err := s.app.GetConversation(r.Context(), user, id)
			if err != nil {
				s.writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, detail)
		case http.MethodPatch:
			s.handlePatchConversation(w, r, user, id)
		case http.MethodDelete:
			if err := s.app.DeleteConversation(r.Context(), user, id); err != nil {
				s.writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		default:
			methodNotAllowed(w)
		}
	case len(parts) == 2 && parts[1] == "messages":
		switch r.Method {
		case http.MethodGet:
			detail, err := s.app.GetConversation(r.Context(), user, id)
			if err != nil {
				s.writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"items": detail.Messages,
				"count": len(detail.Messages),
			})
		case http.MethodPost:
			s.handleSubmitMessage(w, r, user, id)
		default:
			methodNotAllowed(w)
		}
	case len(parts) == 4 && parts[1] == "messages" && parts[3] == "feedback":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleFeedback(w, r, user, id, parts[2])
	default:
		notFound(w)
	}
}

type createConversationRequest struct {
	AssistantID *string `json:"assistantId"`
	Title       string  `json:"title"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req createConversationRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	detail, err := s.app.CreateConversation(r.Context(), user, app.CreateConversationInput{
		AssistantID:    req.AssistantID,
		Title:          req.Title,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
			return
		}
		limit = n
	}
	items, err := s.app.ListConversations(r.Context(), user, limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handlePatchConversation(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	var patch app.ConversationPatch
	if !decodeJSON(w, r, &patch, false) {
		return
	}
	conv, err := s.app.PatchConversation(r.Context(), user, id, patch)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request, user domain.User, conversationID string) {
	if s.limiter != nil {
		ok, retryAfter := s.limiter.Allow(r.Context(), submitLimiterScope+"|"+user.ID)
		if !ok {
			s.audit(r, "chat.message.submit", "rate_limited", "user_id", user.ID)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many messages, slow down")
			return
		}
	}
	var in app.SubmitInput
	if !decodeJSON(w, r, &in, false) {
		return
	}
	ex, err := s.app.SubmitMessage(r.Context(), user, conversationID, in)
	if err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			s.audit(r, "chat.message.submit", "forbidden", "user_id", user.ID, "conversation_id", conversationID)
		}
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

type feedbackRequest struct {
	Feedback domain.Feedback `json:"feedback"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request, user domain.User, conversationID, messageID string) {
	var req feedbackRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	msg, err := s.app.GiveFeedback(r.Context(), user, conversationID, messageID, req.Feedback)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		s.handleUploadDocument(w, r, user)
	case http.MethodGet:
		docs, err := s.app.ListDocuments(r.Context(), user)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": docs,
			"count": len(docs),
		})
	default:
		methodNotAllowed(w)
	}
}

// /documents/{id}, /documents/{id}/download or /documents/{id}/analyze
func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/documents/"), "/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "download":
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			s.handleDownloadDocument(w, r, user, id)
		case "analyze":
			if r.Method != http.MethodPost {
				methodNotAllowed(w)
				return
			}
			s.handleAnalyzeDocument(w, r, user, id)
		default:
			notFound(w)
		}
		return
	}
	switch r.Method {
	case http.MethodGet:
		doc, err := s.app.GetDocument(r.Context(), user, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodDelete:
		if err := s.app.DeleteDocument(r.Context(), user, id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	r.Body = http.MaxBytesReader(w, r.Body, s.app.MaxUploadBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "DOCUMENT_FILE_TOO_LARGE", "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "DOCUMENT_INVALID_UPLOAD_FORM", "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "DOCUMENT_FILE_REQUIRED", "file is required (field: file)")
		return
	}
	defer file.Close()
	doc, err := s.app.UploadDocument(r.Context(), user, app.UploadInput{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// handleDownloadDocument streams the stored file back to its owner.
func (s *Server) handleDownloadDocument(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	doc, rc, err := s.app.OpenDocument(r.Context(), user, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	defer rc.Close()
	h := w.Header()
	h.Set("Content-Type", doc.MimeType)
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.Name}))
	if doc.SizeBytes > 0 {
		h.Set("Content-Length", strconv.FormatInt(doc.SizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		util.LoggerFromContext(r.Context()).Warn("document_download_interrupted", "document_id", doc.ID, "err", err)
	}
}

type analyzeRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleAnalyzeDocument(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	var req analyzeRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	res, err := s.app.AnalyzeDocument(r.Context(), user, id, req.Query)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAssistants(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.app.ListAssistants(r.Context(), user)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": items,
			"count": len(items),
		})
	case http.MethodPost:
		var in assistant.CreateInput
		if !decodeJSON(w, r, &in, false) {
			return
		}
		created, err := s.app.CreateAssistant(r.Context(), user, in)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAssistantByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/assistants/"), "/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w)
		return
	}
	switch r.Method {
	case http.MethodGet:
		a, err := s.app.GetAssistant(r.Context(), user, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	case http.MethodPatch:
		var patch assistant.Patch
		if !decodeJSON(w, r, &patch, false) {
			return
		}
		updated, err := s.app.UpdateAssistant(r.Context(), user, id, patch)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.app.DeleteAssistant(r.Context(), user, id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	summary, err := s.app.UsageSummary(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	log := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		log.Info("security_event", logAttrs...)
		return
	}
	log.Warn("security_event", logAttrs...)
}

// decodeJSON reads a bounded JSON body. optional accepts an empty body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
	return false
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED", "method not allowed")
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

type errorMapping struct {
	err    error
	status int
	code   string
	msg    string
}

// specificErrors is checked in order before the domain taxonomy. An empty
// msg uses err.Error().
var specificErrors = []errorMapping{
	{idempotency.ErrInFlight, http.StatusConflict, "IDEMPOTENCY_IN_FLIGHT", "request with this idempotency key is still in progress"},
	{app.ErrFileTooLarge, http.StatusRequestEntityTooLarge, "DOCUMENT_FILE_TOO_LARGE", "file too large"},
	{app.ErrUnsupportedFileType, http.StatusBadRequest, "DOCUMENT_UNSUPPORTED_FILE_TYPE", "unsupported file type"},
	{app.ErrNoExtractedContent, http.StatusBadRequest, "DOCUMENT_NOT_EXTRACTED", "document has no extracted content"},
	{app.ErrConversationNotFound, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "conversation not found"},
	{app.ErrMessageNotFound, http.StatusNotFound, "MESSAGE_NOT_FOUND", "message not found"},
	{app.ErrDocumentNotFound, http.StatusNotFound, "DOCUMENT_NOT_FOUND", "document not found"},
	{assistant.ErrDocumentNotFound, http.StatusNotFound, "DOCUMENT_NOT_FOUND", "document not found"},
	{assistant.ErrAssistantNotFound, http.StatusNotFound, "ASSISTANT_NOT_FOUND", "assistant not found"},
	{app.ErrPlanRequired, http.StatusForbidden, "PLAN_REQUIRED", "your plan does not include this assistant"},
	{assistant.ErrPlanRequired, http.StatusForbidden, "PLAN_REQUIRED", "custom assistants require a paid plan"},
	{assistant.ErrDefaultImmutable, http.StatusForbidden, "ASSISTANT_IMMUTABLE", "default assistants cannot be modified"},
	{usertoken.ErrInvalidToken, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized"},
	{domain.ErrUnauthenticated, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized"},
	{domain.ErrValidation, http.StatusBadRequest, "INVALID_REQUEST", ""},
	{domain.ErrForbidden, http.StatusForbidden, "FORBIDDEN", "forbidden"},
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "not found"},
}

// writeAppError maps err with errors.Is. Unmapped errors are logged and
// reported as a bare internal error.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range specificErrors {
		if !errors.Is(err, m.err) {
			continue
		}
		msg := m.msg
		if msg == "" {
			msg = validationMessage(err)
		}
		writeError(w, m.status, m.code, msg)
		return
	}
	util.LoggerFromContext(r.Context()).Error("request_failed", "err", err)
	writeError(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error")
}

// validationMessage drops the taxonomy suffix added by %w wrapping.
func validationMessage(err error) string {
	return strings.TrimSuffix(err.Error(), ": "+domain.ErrValidation.Error())
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

var _ Authenticator = (*usertoken.Verifier)(nil)
