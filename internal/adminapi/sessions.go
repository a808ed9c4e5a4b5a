package adminapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	appconfig "github.com/vtry813-sketch/bout-kk/config"
	"github.com/vtry813-sketch/bout-kk/internal/blob"
	"github.com/vtry813-sketch/bout-kk/internal/domain"
	"github.com/vtry813-sketch/bout-kk/internal/store"
	"github.com/vtry813-sketch/bout-kk/internal/wabot"
	"github.com/vtry813-sketch/bout-kk/internal/webserver"
	"go.uber.org/zap"
)

// Handler carries the explicit dependencies of every route. No ambient
// lookups: the orchestrator instance is constructed once and passed here.
type Handler struct {
	Cfg       *appconfig.AppConfig
	Bot       *wabot.Orchestrator
	Users     store.UserStore
	Blobs     blob.BackupService
	Degraded  func() bool
	StartedAt time.Time
}

// Register wires the fixed HTTP contract onto the server.
func Register(ws *webserver.WebServer, h *Handler) {
	ws.POST("/pair", h.postPair)
	ws.GET("/health", h.getHealth)
	ws.ApiGET("/users", h.listConnectedUsers)
	ws.ApiPOST("/disconnect", h.postDisconnect)
	ws.ApiGET("/sessions", h.listSessions)
	ws.ApiGET("/storage/status", h.getStorageStatus)
	ws.ApiPOST("/settings/auth", h.postSettingsAuth)
	ws.ApiPOST("/settings/update", h.postSettingsUpdate)
	ws.ApiPOST("/commands/reload", h.postCommandsReload)
}

type pairRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

func (h *Handler) postPair(c echo.Context) error {
	var req pairRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if req.PhoneNumber == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "phoneNumber is required", nil)
	}

	code, err := h.Bot.RequestPairing(c.Request().Context(), req.PhoneNumber)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success":     true,
			"pairingCode": code,
		})
	case errors.Is(err, wabot.ErrInvalidPhoneNumber):
		return fail(c, http.StatusBadRequest, "INVALID_PHONE", "Phone number must be 7 to 15 digits", nil)
	case errors.Is(err, wabot.ErrAlreadyConnected):
		return fail(c, http.StatusConflict, "ALREADY_CONNECTED", "Session already connected", nil)
	case errors.Is(err, wabot.ErrPairingTimeout):
		return fail(c, http.StatusGatewayTimeout, "PAIRING_TIMEOUT", "No pairing code received in time", nil)
	default:
		zap.L().Error("pairing failed", zap.String("phone_number", req.PhoneNumber), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "PAIRING_FAILED", "Pairing failed", err.Error())
	}
}

func (h *Handler) getHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(h.StartedAt).Round(time.Second).String(),
		"connected": h.Bot.ConnectedCount(),
	})
}

func (h *Handler) listConnectedUsers(c echo.Context) error {
	return ok(c, h.Bot.ConnectedUsers())
}

func (h *Handler) postDisconnect(c echo.Context) error {
	var req pairRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if req.PhoneNumber == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "phoneNumber is required", nil)
	}
	if err := h.Bot.DisconnectUser(req.PhoneNumber); err != nil {
		if errors.Is(err, wabot.ErrSessionNotFound) {
			return fail(c, http.StatusNotFound, "NOT_FOUND", "No session for this number", nil)
		}
		return fail(c, http.StatusInternalServerError, "DISCONNECT_FAILED", "Failed to disconnect", err.Error())
	}
	return ok(c, map[string]interface{}{"disconnected": req.PhoneNumber})
}

func (h *Handler) listSessions(c echo.Context) error {
	users, err := h.Users.ListUsersWithCompletedBackups(c.Request().Context())
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to list sessions", err.Error())
	}
	type sessionView struct {
		PhoneNumber string    `json:"phone_number"`
		SessionID   string    `json:"session_id"`
		UpdatedAt   time.Time `json:"updated_at"`
	}
	out := make([]sessionView, 0, len(users))
	for _, u := range users {
		out = append(out, sessionView{
			PhoneNumber: u.PhoneNumber,
			SessionID:   *u.SessionID,
			UpdatedAt:   u.UpdatedAt,
		})
	}
	page, pageSize := parsePagination(c)
	start := (page - 1) * pageSize
	if start > len(out) {
		start = len(out)
	}
	end := start + pageSize
	if end > len(out) {
		end = len(out)
	}
	return paged(c, out[start:end], int64(len(out)), page, pageSize)
}

func (h *Handler) getStorageStatus(c echo.Context) error {
	degraded := false
	if h.Degraded != nil {
		degraded = h.Degraded()
	}
	return ok(c, map[string]interface{}{
		"blob_available": h.Blobs.Available(c.Request().Context()),
		"store_degraded": degraded,
		"batch":          h.Bot.BatchStatus(),
	})
}

func (h *Handler) postCommandsReload(c echo.Context) error {
	return ok(c, map[string]interface{}{"commands": h.Bot.ReloadCommands()})
}

type settingsAuthRequest struct {
	Password string `json:"password"`
}

func (h *Handler) postSettingsAuth(c echo.Context) error {
	var req settingsAuthRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	user, err := h.Users.GetUserByPassword(c.Request().Context(), req.Password)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return fail(c, http.StatusUnauthorized, "AUTH_FAILED", "Invalid password", nil)
		}
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Lookup failed", err.Error())
	}
	return ok(c, map[string]interface{}{
		"phone_number": user.PhoneNumber,
		"settings": map[string]bool{
			"auto_read_status":  user.AutoReadStatus,
			"auto_react_status": user.AutoReactStatus,
			"auto_status_like":  user.AutoStatusLike,
			"anti_delete":       user.AntiDelete,
		},
	})
}

type settingsUpdateRequest struct {
	Password string          `json:"password"`
	Settings domain.Settings `json:"settings"`
}

func (h *Handler) postSettingsUpdate(c echo.Context) error {
	var req settingsUpdateRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	ctx := c.Request().Context()
	user, err := h.Users.GetUserByPassword(ctx, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return fail(c, http.StatusUnauthorized, "AUTH_FAILED", "Invalid password", nil)
		}
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Lookup failed", err.Error())
	}
	if err := h.Users.UpdateSettings(ctx, user.PhoneNumber, req.Settings); err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Update failed", err.Error())
	}
	// best-effort confirmation into the user's own chat
	if err := h.Bot.NotifyUser(ctx, user.PhoneNumber, "settings updated"); err != nil &&
		!errors.Is(err, wabot.ErrSessionNotFound) {
		zap.L().Warn("settings confirmation failed",
			zap.String("phone_number", user.PhoneNumber), zap.Error(err))
	}
	return ok(c, map[string]interface{}{"updated": user.PhoneNumber})
}
