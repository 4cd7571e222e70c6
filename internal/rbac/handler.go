package rbac

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/gatekeeper/internal/platform/httpx"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

var errorRules = []httpx.ErrorRule{
	{Target: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Target: ErrValidation, Status: http.StatusBadRequest, Title: "Bad Request"},
	{Target: ErrStorageUnavailable, Status: http.StatusServiceUnavailable, Title: "Service Unavailable"},
}

// DecisionRecorder observes authorization outcomes.
type DecisionRecorder interface {
	ObserveDecision(authorized bool, reason string)
}

// Handler exposes the resolver and administration operations as a JSON API.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      Middleware
	recorder  DecisionRecorder
	validator *validator.Validate
	// AuthorizeLimit caps /authorize calls per session user per minute; 0 disables.
	AuthorizeLimit int
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware, recorder DecisionRecorder) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, recorder: recorder, validator: validator.New()}
}

// MountRoutes registers the API routes. Callers mount it behind the session middleware.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.AuthorizeLimit > 0 {
			r.Use(httprate.Limit(h.AuthorizeLimit, time.Minute, httprate.WithKeyFuncs(identityKey)))
		}
		r.Post("/authorize", h.authorize)
	})
	r.Get("/me", h.me)
	r.Get("/me/permissions", h.myPermissions)

	r.Route("/roles", func(r chi.Router) {
		r.With(h.rbac.RequireAny(shared.PermRolesList)).Get("/", h.listRoles)
		r.With(h.rbac.RequireAny(shared.PermRolesAdd)).Post("/", h.createRole)
		r.With(h.rbac.RequireAny(shared.PermRolesView)).Get("/{id}", h.getRole)
		r.With(h.rbac.RequireAny(shared.PermRolesEdit)).Put("/{id}", h.updateRole)
		r.With(h.rbac.RequireAny(shared.PermRolesDelete)).Delete("/{id}", h.deleteRole)
		r.With(h.rbac.RequireAny(shared.PermRolesView)).Get("/{id}/permissions", h.rolePermissions)
		r.With(h.rbac.RequireAny(shared.PermPermissionsAssign)).Put("/{id}/permissions/{permissionID}", h.setRolePermission)
	})
	r.Route("/permissions", func(r chi.Router) {
		r.With(h.rbac.RequireAny(shared.PermPermissionsList)).Get("/", h.listPermissions)
		r.With(h.rbac.RequireAny(shared.PermPermissionsAdd)).Post("/", h.createPermission)
		r.With(h.rbac.RequireAny(shared.PermPermissionsView)).Get("/{id}", h.getPermission)
		r.With(h.rbac.RequireAny(shared.PermPermissionsEdit, shared.PermPermissionsDelete)).Put("/{id}/status", h.setPermissionStatus)
	})
	r.Route("/users", func(r chi.Router) {
		r.With(h.rbac.RequireAny(shared.PermUsersEdit)).Post("/", h.createUser)
		r.With(h.rbac.RequireAll(shared.PermUsersEdit, shared.PermRolesView)).Get("/{id}/roles", h.userRoles)
		r.With(h.rbac.RequireAny(shared.PermUsersEdit)).Put("/{id}/status", h.setUserStatus)
		r.With(h.rbac.RequireAny(shared.PermUsersEdit)).Put("/{id}/roles/{roleID}", h.setUserRole)
	})
}

type authorizeRequest struct {
	User       json.RawMessage `json:"user"`
	Permission string          `json:"permission"`
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "", "authentication required", nil)
		return
	}
	var req authorizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.observe(forbidden(ReasonInvalidClaims))
		httpx.Error(w, http.StatusBadRequest, "", "Invalid user data provided", map[string]any{"isAuthorized": false})
		return
	}
	claims, err := ParseClaims(req.User)
	if err != nil {
		h.observe(forbidden(ReasonInvalidClaims))
		httpx.Error(w, http.StatusBadRequest, "", "Invalid user data provided", map[string]any{"isAuthorized": false})
		return
	}
	decision, err := h.service.AuthorizePrincipal(r.Context(), &claims, identity, req.Permission)
	h.observe(decision)
	if err != nil {
		h.logger.Error("authorize principal", slog.Int64("user_id", identity.UserID), slog.Any("error", err))
		rule := httpx.StatusFor(err, errorRules)
		if rule.Status == http.StatusNotFound || rule.Status == http.StatusInternalServerError {
			rule = httpx.ErrorRule{Status: http.StatusForbidden, Title: "Forbidden"}
		}
		httpx.Error(w, rule.Status, rule.Title, decision.Reason, map[string]any{"isAuthorized": false})
		return
	}
	if !decision.Authorized {
		detail := "User lacks required permission"
		if decision.Reason == ReasonIdentityMismatch {
			detail = "User authentication mismatch"
		}
		httpx.Error(w, http.StatusForbidden, "Forbidden", detail, map[string]any{"isAuthorized": false})
		return
	}
	message := "User authenticated"
	if req.Permission != "" {
		message = "User authenticated with required permission"
	}
	httpx.Success(w, http.StatusOK, map[string]bool{"isAuthorized": true}, message, nil)
}

type meResponse struct {
	User        User     `json:"user"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "", "authentication required", nil)
		return
	}
	user, err := h.service.GetUser(r.Context(), identity.UserID)
	if err != nil {
		h.respondError(w, "get session user", err)
		return
	}
	role, err := h.service.PrimaryRole(r.Context(), identity.UserID)
	if err != nil {
		h.respondError(w, "primary role", err)
		return
	}
	perms, err := h.service.EffectivePermissions(r.Context(), identity.UserID)
	if err != nil {
		h.respondError(w, "effective permissions", err)
		return
	}
	httpx.Success(w, http.StatusOK, meResponse{User: user, Role: role, Permissions: perms}, "Session user retrieved successfully", nil)
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "", "authentication required", nil)
		return
	}
	params, err := listParamsFromQuery(r, 15)
	if err != nil {
		h.respondError(w, "parse list params", err)
		return
	}
	page, err := h.service.UserPermissionPage(r.Context(), identity.UserID, params)
	if err != nil {
		h.respondError(w, "user permissions", err)
		return
	}
	respondPage(w, page, "Permissions retrieved successfully")
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	params, err := listParamsFromQuery(r, DefaultPerPage)
	if err != nil {
		h.respondError(w, "parse list params", err)
		return
	}
	page, err := h.service.ListRoles(r.Context(), params)
	if err != nil {
		h.respondError(w, "list roles", err)
		return
	}
	respondPage(w, page, "Roles retrieved successfully")
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.respondError(w, "get role", err)
		return
	}
	httpx.Success(w, http.StatusOK, role, "Role retrieved successfully", nil)
}

type roleRequest struct {
	Name   string `json:"name" validate:"required,max=255"`
	Status Status `json:"status" validate:"omitempty,min=1,max=3"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.Name, req.Status)
	if err != nil {
		h.respondError(w, "create role", err)
		return
	}
	httpx.Success(w, http.StatusCreated, role, "Role created successfully", nil)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req roleRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, req.Name, req.Status)
	if err != nil {
		h.respondError(w, "update role", err)
		return
	}
	httpx.Success(w, http.StatusOK, role, "Role updated successfully", nil)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.respondError(w, "delete role", err)
		return
	}
	httpx.Success(w, http.StatusOK, []any{}, "Role deleted successfully", nil)
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	assignments, err := h.service.RolePermissions(r.Context(), id)
	if err != nil {
		h.respondError(w, "role permissions", err)
		return
	}
	httpx.Success(w, http.StatusOK, assignments, "Role permissions retrieved successfully", nil)
}

type statusRequest struct {
	Status Status `json:"status" validate:"required,min=1,max=3"`
}

func (h *Handler) setRolePermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	permissionID, ok := h.pathID(w, r, "permissionID")
	if !ok {
		return
	}
	var req statusRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if err := h.service.SetRolePermission(r.Context(), roleID, permissionID, req.Status); err != nil {
		h.respondError(w, "set role permission", err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{"role_id": roleID, "permission_id": permissionID, "status": req.Status}, "Role permission updated successfully", nil)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	params, err := listParamsFromQuery(r, DefaultPerPage)
	if err != nil {
		h.respondError(w, "parse list params", err)
		return
	}
	page, err := h.service.ListPermissions(r.Context(), params)
	if err != nil {
		h.respondError(w, "list permissions", err)
		return
	}
	respondPage(w, page, "Permissions retrieved successfully")
}

func (h *Handler) getPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	perm, err := h.service.GetPermission(r.Context(), id)
	if err != nil {
		h.respondError(w, "get permission", err)
		return
	}
	httpx.Success(w, http.StatusOK, perm, "Permission retrieved successfully", nil)
}

type permissionRequest struct {
	Slug        string `json:"slug" validate:"required,max=255"`
	Description string `json:"description" validate:"max=1000"`
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	perm, err := h.service.CreatePermission(r.Context(), req.Slug, req.Description)
	if err != nil {
		h.respondError(w, "create permission", err)
		return
	}
	httpx.Success(w, http.StatusCreated, perm, "Permission created successfully", nil)
}

func (h *Handler) setPermissionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req statusRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	perm, err := h.service.SetPermissionStatus(r.Context(), id, req.Status)
	if err != nil {
		h.respondError(w, "set permission status", err)
		return
	}
	httpx.Success(w, http.StatusOK, perm, "Permission updated successfully", nil)
}

type userRequest struct {
	Name  string `json:"name" validate:"required,max=255"`
	Email string `json:"email" validate:"required,email,max=255"`
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	user, err := h.service.CreateUser(r.Context(), req.Name, req.Email)
	if err != nil {
		h.respondError(w, "create user", err)
		return
	}
	httpx.Success(w, http.StatusCreated, user, "User created successfully", nil)
}

func (h *Handler) userRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	assignments, err := h.service.UserRoles(r.Context(), id)
	if err != nil {
		h.respondError(w, "user roles", err)
		return
	}
	httpx.Success(w, http.StatusOK, assignments, "User roles retrieved successfully", nil)
}

func (h *Handler) setUserStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req statusRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	user, err := h.service.SetUserStatus(r.Context(), id, req.Status)
	if err != nil {
		h.respondError(w, "set user status", err)
		return
	}
	httpx.Success(w, http.StatusOK, user, "User updated successfully", nil)
}

func (h *Handler) setUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req statusRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if err := h.service.SetUserRole(r.Context(), userID, roleID, req.Status); err != nil {
		h.respondError(w, "set user role", err)
		return
	}
	httpx.Success(w, http.StatusOK, map[string]any{"user_id": userID, "role_id": roleID, "status": req.Status}, "User role updated successfully", nil)
}

func (h *Handler) observe(d Decision) {
	if h.recorder != nil {
		h.recorder.ObserveDecision(d.Authorized, d.Reason)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, msg string, err error) {
	rule := httpx.StatusFor(err, errorRules)
	if rule.Status >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.Any("error", err))
	} else {
		h.logger.Debug(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, err, errorRules)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "", "invalid "+name, nil)
		return 0, false
	}
	return id, true
}

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Error(w, http.StatusBadRequest, "", "malformed JSON body", nil)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			httpx.Error(w, http.StatusBadRequest, "", err.Error(), nil)
			return false
		}
		fields := make(map[string]string, len(fieldErrs))
		for _, fe := range fieldErrs {
			name := strings.ToLower(fe.Field())
			fields[name] = name + " failed " + fe.Tag()
		}
		httpx.ValidationErrors(w, fields)
		return false
	}
	return true
}

func listParamsFromQuery(r *http.Request, defaultPerPage int) (ListParams, error) {
	q := r.URL.Query()
	params := ListParams{
		PerPage:   defaultPerPage,
		Page:      1,
		Search:    q.Get("search"),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}
	if raw := q.Get("per_page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return ListParams{}, errors.Join(ErrValidation, errors.New("per_page must be an integer"))
		}
		params.PerPage = n
	}
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return ListParams{}, errors.Join(ErrValidation, errors.New("page must be a positive integer"))
		}
		params.Page = n
	}
	if raw := q.Get("status"); raw != "" {
		status, ok := ParseStatus(raw)
		if !ok {
			return ListParams{}, errors.Join(ErrValidation, errors.New("unknown status"))
		}
		params.Status = &status
	}
	return params, nil
}

func respondPage[T any](w http.ResponseWriter, page Page[T], message string) {
	if !page.Paged {
		httpx.Success(w, http.StatusOK, page.Items, message, nil)
		return
	}
	httpx.Success(w, http.StatusOK, page.Items, message, map[string]any{
		"current_page": page.Page,
		"from":         page.From(),
		"to":           page.To(),
		"per_page":     page.PerPage,
		"total":        page.Total,
		"last_page":    page.LastPage,
	})
}

func identityKey(r *http.Request) (string, error) {
	if id, ok := IdentityFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(id.UserID, 10), nil
	}
	return httprate.KeyByIP(r)
}
