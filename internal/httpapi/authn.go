package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"ironwatch.dev/internal/auth"
	"ironwatch.dev/internal/sanitize"
)

const (
	authHeader    = "Authorization"
	bearer        = "Bearer "
	csrfHeader    = "X-CSRF-Token"
	sessionCookie = "guard_session"
)

// sessionID reads the session id from the bearer header or the session
// cookie.
func sessionID(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get(authHeader)); header != "" {
		if len(header) > len(bearer) && strings.EqualFold(header[:len(bearer)], bearer) {
			return strings.TrimSpace(header[len(bearer):])
		}
		return ""
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// withSession rejects requests without a live session and attaches the
// session id and principal to the context.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sessionID(r)
		if id == "" {
			writeError(w, r, http.StatusUnauthorized, "missing session")
			return
		}
		sess, ok := a.svc.ValidateSession(r.Context(), id)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "session expired or invalid")
			return
		}
		ctx := auth.ContextWithSessionID(r.Context(), id)
		ctx = auth.ContextWithPrincipal(ctx, sess.Principal())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireCSRF checks X-CSRF-Token against the session's live token. It must
// run after withSession.
func (a *API) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.SessionIDFromContext(r.Context())
		if !a.svc.ValidateCSRFToken(r.Context(), id, r.Header.Get(csrfHeader)) {
			writeError(w, r, http.StatusForbidden, "invalid csrf token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

// handleServiceError maps service errors to status codes. Authentication
// failures always carry the same message.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *sanitize.ValidationError
	switch {
	case errors.Is(err, auth.ErrAuthFailed):
		writeError(w, r, http.StatusUnauthorized, auth.PublicAuthMessage)
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "validation failed",
			"violations": verr.Violations,
			"request_id": RequestIDFromContext(r.Context()),
		})
	case errors.Is(err, auth.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "permission denied")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return errors.New("malformed JSON body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
