package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ironwatch.dev/internal/audit"
	"ironwatch.dev/internal/auth"
	"ironwatch.dev/internal/sanitize"
	"ironwatch.dev/internal/security"
	"ironwatch.dev/internal/session"
	"ironwatch.dev/internal/token"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type snapshotResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type loginResponse struct {
	security.Login
	Snapshot *snapshotResponse `json:"snapshot,omitempty"`
}

type sessionResponse struct {
	User         security.User     `json:"user"`
	LoginTime    time.Time         `json:"loginTime"`
	LastActivity time.Time         `json:"lastActivity"`
	Snapshot     *snapshotResponse `json:"snapshot,omitempty"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type reportEventRequest struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

type inputRequest struct {
	Input    string `json:"input"`
	Kind     string `json:"kind,omitempty"`
	Required bool   `json:"required,omitempty"`
}

type verifyRequest struct {
	Token string `json:"token"`
}

// Events a client may report under their own kind. Everything else is stored
// as CUSTOM so clients cannot forge server-side outcomes.
var clientReportable = map[audit.Kind]struct{}{
	audit.KindCSRFValidationFailed: {},
	audit.KindInputValidation:      {},
	audit.KindSQLInjectionAttempt:  {},
	audit.KindCustom:               {},
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	login, err := a.svc.Authenticate(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrAuthFailed) {
			writeError(w, r, http.StatusUnauthorized, auth.PublicAuthMessage)
			return
		}
		a.logger.Error("authenticate", slog.String("error", err.Error()),
			slog.String("request_id", RequestIDFromContext(r.Context())))
		writeError(w, r, http.StatusServiceUnavailable, "authentication unavailable")
		return
	}

	resp := loginResponse{Login: login}
	principal := auth.Principal{Username: login.User.Username, Role: login.User.Role, Permissions: login.User.Permissions}
	resp.Snapshot = a.snapshot(r, principal, login.SessionID)
	a.setSessionCookie(w, login.SessionID)
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) snapshot(r *http.Request, p auth.Principal, sessionID string) *snapshotResponse {
	if a.signer == nil {
		return nil
	}
	signed, expires, err := a.signer.Sign(p, token.Ref(sessionID))
	if err != nil {
		a.logger.Warn("sign snapshot", slog.String("error", err.Error()),
			slog.String("request_id", RequestIDFromContext(r.Context())))
		return nil
	}
	return &snapshotResponse{Token: signed, ExpiresAt: expires}
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.SessionIDFromContext(r.Context())
	a.svc.Logout(r.Context(), id)
	a.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.SessionIDFromContext(r.Context())
	sess, ok := a.svc.ValidateSession(r.Context(), id)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "session expired or invalid")
		return
	}
	writeJSON(w, http.StatusOK, sessionBody(sess, nil))
}

func (a *API) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, _ := auth.SessionIDFromContext(r.Context())
	sess, err := a.svc.ChangeRole(r.Context(), id, req.Role)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionBody(sess, a.snapshot(r, sess.Principal(), id)))
}

func sessionBody(sess session.Session, snap *snapshotResponse) sessionResponse {
	return sessionResponse{
		User: security.User{
			Username:    sess.Username,
			Role:        sess.Role,
			Permissions: sess.Permissions,
		},
		LoginTime:    sess.LoginTime,
		LastActivity: sess.LastActivity,
		Snapshot:     snap,
	}
}

func (a *API) handleIssueCSRF(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.SessionIDFromContext(r.Context())
	tok, err := a.svc.IssueCSRFToken(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": tok})
}

func (a *API) handlePermission(w http.ResponseWriter, r *http.Request) {
	perm := auth.Permission(strings.TrimSpace(chi.URLParam(r, "permission")))
	principal, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"permission": perm,
		"role":       principal.Role,
		"granted":    principal.HasPermission(perm),
	})
}

func (a *API) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := sessionID(r)
	events, err := a.svc.GetAuditLog(r.Context(), id, f)
	if err != nil {
		a.auditReadError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (a *API) handleSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	m, err := a.svc.GetSecurityMetrics(r.Context(), id)
	if err != nil {
		a.auditReadError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) auditReadError(w http.ResponseWriter, r *http.Request, id string, err error) {
	if id == "" && errors.Is(err, auth.ErrPermissionDenied) {
		writeError(w, r, http.StatusUnauthorized, "missing session")
		return
	}
	handleServiceError(w, r, err)
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	var f audit.Filter
	if v := q.Get("event"); v != "" {
		kind, ok := audit.ParseKind(v)
		if !ok {
			return f, fmt.Errorf("unknown event %q", sanitize.Sanitize(v))
		}
		f.Kind = kind
	}
	f.Username = strings.TrimSpace(q.Get("username"))
	for name, dst := range map[string]*time.Time{"start": &f.Start, "end": &f.End} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%s must be RFC 3339", name)
		}
		*dst = ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (a *API) handleReportEvent(w http.ResponseWriter, r *http.Request) {
	var req reportEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	data := make(map[string]any, len(req.Data)+3)
	for k, v := range req.Data {
		data[k] = v
	}
	data["source"] = "client"
	// Only a live session may attribute an event to a user.
	if claimed, ok := data["username"]; ok {
		delete(data, "username")
		data["claimedUsername"] = claimed
	}

	kind, _ := audit.ParseKind(req.Event)
	if _, ok := clientReportable[kind]; !ok {
		data["kind"] = sanitize.Sanitize(req.Event)
		kind = audit.KindCustom
	}
	if id := sessionID(r); id != "" {
		if sess, ok := a.svc.ValidateSession(r.Context(), id); ok {
			data["username"] = sess.Username
		}
	}
	e := a.svc.LogSecurityEvent(r.Context(), kind, data)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": e.ID, "event": string(e.Kind)})
}

func (a *API) handleSanitize(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sanitized": a.svc.SanitizeInput(req.Input)})
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	kind, ok := sanitize.ParseKind(req.Kind)
	if !ok {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unsupported kind %q", sanitize.Sanitize(req.Kind)))
		return
	}
	res, err := a.svc.ValidateInput(r.Context(), req.Input, kind, sanitize.Options{Required: req.Required})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSnapshotVerify(w http.ResponseWriter, r *http.Request) {
	if a.signer == nil {
		writeError(w, r, http.StatusNotFound, "snapshots disabled")
		return
	}
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	claims, err := a.signer.Parse(req.Token)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid snapshot")
		return
	}
	p := claims.Principal()
	writeJSON(w, http.StatusOK, map[string]any{
		"username":    p.Username,
		"role":        p.Role,
		"permissions": p.Permissions,
		"sessionRef":  claims.SessionRef,
		"expiresAt":   claims.ExpiresAt.Time,
	})
}
