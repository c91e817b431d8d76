package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/codeexam/internal/model"
)

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireAuth is middleware that checks for a valid bearer token.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeStatus(w, r, http.StatusUnauthorized, "unauthorized", "ErrUnauthorized")
			return
		}

		authSess, err := h.store.GetAuthSession(r.Context(), token)
		if err != nil {
			slog.Error("failed to get auth session", "error", err)
			writeStatus(w, r, http.StatusUnauthorized, "unauthorized", "ErrUnauthorized")
			return
		}
		if authSess == nil {
			writeStatus(w, r, http.StatusUnauthorized, "unauthorized", "ErrUnauthorized")
			return
		}

		user, err := h.store.GetUserByID(r.Context(), authSess.UserID)
		if err != nil || user == nil || !user.Active {
			writeStatus(w, r, http.StatusUnauthorized, "unauthorized", "ErrUnauthorized")
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				writeStatus(w, r, http.StatusUnauthorized, "unauthorized", "ErrUnauthorized")
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeStatus(w, r, http.StatusForbidden, "forbidden", "ErrForbidden")
		})
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeStatus(w, r, http.StatusBadRequest, "bad_request", "ErrBadRequest")
		return
	}

	user, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		slog.Error("failed to get user", "error", err)
		writeError(w, r, err)
		return
	}
	if user == nil || !user.Active {
		writeStatus(w, r, http.StatusUnauthorized, "invalid_credentials", "ErrInvalidCredentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeStatus(w, r, http.StatusUnauthorized, "invalid_credentials", "ErrInvalidCredentials")
		return
	}

	token, err := h.store.CreateAuthSession(r.Context(), user.ID)
	if err != nil {
		slog.Error("failed to create auth session", "error", err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteAuthSession(r.Context(), bearerToken(r)); err != nil {
		slog.Warn("failed to delete auth session", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.UserFromContext(r.Context()))
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	Password    string         `json:"password"`
	Role        model.UserRole `json:"role"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Username == "" || req.Password == "" {
		writeStatus(w, r, http.StatusBadRequest, "bad_request", "ErrBadRequest")
		return
	}
	if req.Role == "" {
		req.Role = model.UserRoleStudent
	}
	switch req.Role {
	case model.UserRoleStudent, model.UserRoleTeacher, model.UserRoleAdmin:
	default:
		writeStatus(w, r, http.StatusBadRequest, "bad_request", "ErrBadRequest")
		return
	}

	existing, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if existing != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Kind: "user_exists", Message: "username already taken"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := h.store.CreateUser(r.Context(), model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) handleToggleUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeStatus(w, r, http.StatusBadRequest, "bad_request", "ErrBadRequest")
		return
	}
	if caller := model.UserFromContext(r.Context()); caller.ID == id {
		writeStatus(w, r, http.StatusBadRequest, "bad_request", "ErrBadRequest")
		return
	}
	if err := h.store.ToggleUserActive(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if user == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Kind: "user_not_found", Message: "user not found"})
		return
	}
	writeJSON(w, http.StatusOK, user)
}
