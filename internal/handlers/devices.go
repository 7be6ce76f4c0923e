package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/signaldesk/sessiond/internal/devices"
	"github.com/signaldesk/sessiond/internal/middleware"
	"github.com/signaldesk/sessiond/internal/models"
	appErrors "github.com/signaldesk/sessiond/pkg/errors"
	"github.com/signaldesk/sessiond/pkg/response"
)

// SessionLister exposes the sessions bound to a device. Satisfied by the
// rotation engine.
type SessionLister interface {
	SessionsForDevice(ctx context.Context, deviceID string) ([]models.Session, error)
}

// DeviceHandler serves the device-management surface. Regular users operate
// on their own devices; admins may target another user's fleet.
type DeviceHandler struct {
	db       *gorm.DB
	manager  *devices.Manager
	sessions SessionLister
	totp     *devices.TOTPService
}

// NewDeviceHandler wires the handler.
func NewDeviceHandler(db *gorm.DB, manager *devices.Manager, sessions SessionLister, totpService *devices.TOTPService) (*DeviceHandler, error) {
	if db == nil || manager == nil || sessions == nil {
		return nil, errors.New("device handler: db, manager and session lister are required")
	}
	return &DeviceHandler{db: db, manager: manager, sessions: sessions, totp: totpService}, nil
}

type deviceView struct {
	models.Device
	RequiresVerification bool             `json:"requires_verification"`
	Sessions             []models.Session `json:"sessions,omitempty"`
}

// List returns the subject user's devices with their trust state. Query
// parameters: include_inactive, include_sessions, user_id (admin only for
// cross-user).
func (h *DeviceHandler) List(c *gin.Context) {
	userID, err := h.subjectUser(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	includeInactive := c.Query("include_inactive") == "true"
	includeSessions := c.Query("include_sessions") == "true"

	list, err := h.manager.List(c.Request.Context(), userID, includeInactive)
	if err != nil {
		response.Error(c, err)
		return
	}

	views := make([]deviceView, 0, len(list))
	for i := range list {
		view := deviceView{
			Device:               list[i],
			RequiresVerification: h.manager.RequiresVerification(&list[i]),
		}
		if includeSessions {
			sessions, err := h.sessions.SessionsForDevice(c.Request.Context(), list[i].ID)
			if err != nil {
				response.Error(c, err)
				return
			}
			view.Sessions = sessions
		}
		views = append(views, view)
	}

	response.Success(c, http.StatusOK, gin.H{"devices": views})
}

type verificationDescriptor struct {
	Method    models.VerificationMethod `json:"method"`
	ExpiresAt time.Time                 `json:"expires_at"`
}

// Register registers or touches the calling device and reports whether it
// still needs verification. The verification code itself never travels over
// this channel; only the descriptor does.
func (h *DeviceHandler) Register(c *gin.Context) {
	user := middleware.CurrentUser(c)
	device := middleware.CurrentDevice(c)
	if user == nil || device == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	payload := gin.H{
		"device":                device,
		"requires_verification": h.manager.RequiresVerification(device),
	}

	if h.manager.RequiresVerification(device) {
		challenge, err := h.manager.PendingChallenge(c.Request.Context(), user.ID, device.ID)
		if err != nil {
			response.Error(c, err)
			return
		}
		if challenge != nil {
			payload["verification"] = verificationDescriptor{
				Method:    challenge.Method,
				ExpiresAt: challenge.ExpiresAt,
			}
		}
	}

	signals, err := h.manager.DetectSuspiciousActivity(c.Request.Context(), user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if len(signals) > 0 {
		payload["signals"] = signals
	}

	response.Success(c, http.StatusOK, payload)
}

const (
	actionTrust               = "trust"
	actionRevokeTrust         = "revoke_trust"
	actionVerify              = "verify"
	actionDeactivate          = "deactivate"
	actionRequestVerification = "request_verification"
)

type updateDeviceRequest struct {
	DeviceID         string                    `json:"device_id" validate:"required"`
	Action           string                    `json:"action" validate:"required,oneof=trust revoke_trust verify deactivate request_verification"`
	VerificationCode string                    `json:"verification_code" validate:"omitempty,min=6,max=8"`
	Method           models.VerificationMethod `json:"method" validate:"omitempty,oneof=email totp"`
	DisplayName      string                    `json:"display_name" validate:"omitempty,max=120"`
}

// Update dispatches the device actions. The target is resolved by ID and the
// caller must own it or hold admin.
func (h *DeviceHandler) Update(c *gin.Context) {
	var req updateDeviceRequest
	if !bindAndValidate(c, &req) {
		return
	}

	device, err := h.targetDevice(c, req.DeviceID)
	if err != nil {
		response.Error(c, deviceError(err))
		return
	}

	if req.DisplayName != "" {
		if err := h.manager.Rename(c.Request.Context(), device.UserID, device.ID, req.DisplayName); err != nil {
			response.Error(c, deviceError(err))
			return
		}
	}

	ctx := c.Request.Context()
	switch req.Action {
	case actionTrust:
		err = h.manager.Trust(ctx, device.UserID, device.ID)
	case actionRevokeTrust:
		err = h.manager.RevokeTrust(ctx, device.UserID, device.ID)
	case actionVerify:
		if req.VerificationCode == "" {
			response.Error(c, appErrors.NewBadRequest("Verification code is required"))
			return
		}
		err = h.manager.Verify(ctx, device.UserID, device.ID, req.VerificationCode)
	case actionDeactivate:
		var revoked int64
		revoked, err = h.manager.Deactivate(ctx, device.UserID, device.ID)
		if err == nil {
			response.Success(c, http.StatusOK, gin.H{"sessions_revoked": revoked})
			return
		}
	case actionRequestVerification:
		method := req.Method
		if method == "" {
			method = models.VerificationEmail
		}
		var email string
		email, err = h.ownerEmail(ctx, device.UserID)
		if err == nil {
			err = h.manager.InitiateVerification(ctx, device, email, method)
		}
		if err == nil {
			challenge, challengeErr := h.manager.PendingChallenge(ctx, device.UserID, device.ID)
			if challengeErr != nil {
				response.Error(c, challengeErr)
				return
			}
			payload := gin.H{"trust_state": models.DevicePendingVerification}
			if challenge != nil {
				payload["verification"] = verificationDescriptor{
					Method:    challenge.Method,
					ExpiresAt: challenge.ExpiresAt,
				}
			}
			response.Success(c, http.StatusAccepted, payload)
			return
		}
	}
	if err != nil {
		response.Error(c, deviceError(err))
		return
	}

	updated, err := h.manager.GetDevice(c.Request.Context(), device.UserID, device.ID)
	if err != nil {
		response.Error(c, deviceError(err))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"device": updated})
}

// Remove permanently revokes a device (query device_id), optionally
// invalidating its sessions. The count of invalidated sessions is returned.
func (h *DeviceHandler) Remove(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		response.Error(c, appErrors.NewBadRequest("device_id is required"))
		return
	}

	device, err := h.targetDevice(c, deviceID)
	if err != nil {
		response.Error(c, deviceError(err))
		return
	}

	invalidate := c.Query("invalidate_sessions") == "true"
	revoked, err := h.manager.Revoke(c.Request.Context(), device.UserID, device.ID, invalidate)
	if err != nil {
		response.Error(c, deviceError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"sessions_revoked": revoked})
}

// EnrollTOTP starts authenticator enrollment for the current user.
func (h *DeviceHandler) EnrollTOTP(c *gin.Context) {
	if h.totp == nil {
		response.Error(c, appErrors.ErrNotFound)
		return
	}

	user := middleware.CurrentUser(c)
	if user == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	enrollment, err := h.totp.Enroll(c.Request.Context(), user.ID, user.Email)
	if errors.Is(err, devices.ErrTOTPAlreadyConfirmed) {
		response.Error(c, appErrors.NewBadRequest("Authenticator already enrolled"))
		return
	}
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, enrollment)
}

type confirmTOTPRequest struct {
	Code string `json:"code" validate:"required,len=6"`
}

// ConfirmTOTP validates the first authenticator code and activates the
// totp verification method.
func (h *DeviceHandler) ConfirmTOTP(c *gin.Context) {
	if h.totp == nil {
		response.Error(c, appErrors.ErrNotFound)
		return
	}

	user := middleware.CurrentUser(c)
	if user == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req confirmTOTPRequest
	if !bindAndValidate(c, &req) {
		return
	}

	err := h.totp.Confirm(c.Request.Context(), user.ID, req.Code)
	switch {
	case errors.Is(err, devices.ErrTOTPNotEnrolled):
		response.Error(c, appErrors.ErrNotFound)
	case errors.Is(err, devices.ErrTOTPCodeInvalid):
		response.Error(c, appErrors.NewBadRequest("Invalid authenticator code"))
	case err != nil:
		response.Error(c, err)
	default:
		response.Success(c, http.StatusOK, gin.H{"confirmed": true})
	}
}

// subjectUser resolves whose devices a listing covers. Admins may act on
// another user; everyone else is scoped to themselves.
func (h *DeviceHandler) subjectUser(c *gin.Context) (string, error) {
	user := middleware.CurrentUser(c)
	if user == nil {
		return "", appErrors.ErrUnauthorized
	}

	target := c.Query("user_id")
	if target == "" || target == user.ID {
		return user.ID, nil
	}
	if !user.IsAdmin {
		return "", appErrors.ErrForbidden
	}
	return target, nil
}

// targetDevice resolves a device by ID and enforces the ownership rule:
// cross-user targets require admin.
func (h *DeviceHandler) targetDevice(c *gin.Context, deviceID string) (*models.Device, error) {
	user := middleware.CurrentUser(c)
	if user == nil {
		return nil, appErrors.ErrUnauthorized
	}

	device, err := h.manager.FindDevice(c.Request.Context(), deviceID)
	if err != nil {
		return nil, err
	}
	if device.UserID != user.ID && !user.IsAdmin {
		return nil, appErrors.ErrForbidden
	}
	return device, nil
}

func (h *DeviceHandler) ownerEmail(ctx context.Context, userID string) (string, error) {
	var user models.User
	if err := h.db.WithContext(ctx).Take(&user, "id = ?", userID).Error; err != nil {
		return "", err
	}
	return user.Email, nil
}

// deviceError maps manager sentinels onto the API error taxonomy.
func deviceError(err error) error {
	switch {
	case errors.Is(err, devices.ErrDeviceNotFound):
		return appErrors.ErrNotFound
	case errors.Is(err, devices.ErrDeviceRevoked):
		return appErrors.ErrForbidden
	case errors.Is(err, devices.ErrVerificationNotFound):
		return appErrors.ErrNotFound
	case errors.Is(err, devices.ErrVerificationLocked):
		return appErrors.New("VERIFICATION_LOCKED", "Too many attempts, try again later", http.StatusTooManyRequests)
	case errors.Is(err, devices.ErrVerificationExpired):
		return appErrors.New("VERIFICATION_EXPIRED", "Verification code expired", http.StatusBadRequest)
	case errors.Is(err, devices.ErrVerificationCodeInvalid):
		return appErrors.NewBadRequest("Invalid verification code")
	case errors.Is(err, devices.ErrMethodUnavailable):
		return appErrors.NewBadRequest("Verification method unavailable")
	default:
		return err
	}
}
