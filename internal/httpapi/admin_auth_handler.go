package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ai_gateway/internal/auth"
	"ai_gateway/internal/config"
	"ai_gateway/internal/storage"
	"ai_gateway/internal/utils"
)

const adminTokenTTL = 15 * time.Minute

// AdminAuthHandler issues short-lived JWTs for the admin API.
type AdminAuthHandler struct {
	admins *storage.AdminUserRepository
	secret []byte
	logger *utils.Logger
}

func NewAdminAuthHandler(admins *storage.AdminUserRepository, cfg *config.Config) *AdminAuthHandler {
	return &AdminAuthHandler{
		admins: admins,
		secret: cfg.JWTSecret,
		logger: utils.NewLogger("admin-auth"),
	}
}

type adminLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type adminLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login serves POST /admin/auth/login. Bad email and bad password get the
// same response so the endpoint does not leak which admins exist.
func (h *AdminAuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", "invalid_request")
		return
	}
	if req.Email == "" || req.Password == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "email and password are required", "invalid_request")
		return
	}

	admin, err := h.admins.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, storage.ErrAdminUserNotFound) {
			h.logger.Error("Admin lookup failed", "email", req.Email, "error", err)
			utils.RespondWithError(w, http.StatusInternalServerError, "Login failed", "internal_error")
			return
		}
		utils.RespondWithError(w, http.StatusUnauthorized, "Invalid credentials", "invalid_credentials")
		return
	}

	if !admin.Enabled || !auth.CheckPassword(admin.PasswordHash, req.Password) {
		utils.RespondWithError(w, http.StatusUnauthorized, "Invalid credentials", "invalid_credentials")
		return
	}

	token, expiresAt, err := auth.GenerateAdminJWT(admin.ID, admin.Email, admin.Roles, h.secret, adminTokenTTL)
	if err != nil {
		h.logger.Error("Failed to sign admin token", "admin_id", admin.ID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Login failed", "internal_error")
		return
	}

	if err := h.admins.TouchLastLogin(r.Context(), admin.ID); err != nil {
		h.logger.Warn("Failed to update last login", "admin_id", admin.ID, "error", err)
	}

	utils.RespondWithJSON(w, http.StatusOK, adminLoginResponse{Token: token, ExpiresAt: expiresAt})
}
