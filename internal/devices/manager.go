package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/signaldesk/sessiond/internal/audit"
	"github.com/signaldesk/sessiond/internal/models"
	"github.com/signaldesk/sessiond/pkg/crypto"
	"github.com/signaldesk/sessiond/pkg/mail"
	"github.com/signaldesk/sessiond/pkg/metrics"
)

const (
	// DefaultCodeDigits is the length of emailed verification codes.
	DefaultCodeDigits = 6
	// DefaultCodeTTL bounds how long an emailed code stays redeemable.
	DefaultCodeTTL = 10 * time.Minute
	// DefaultMaxAttempts is the per-challenge guess budget.
	DefaultMaxAttempts = 5
	// DefaultLockDuration is the cool-down after the budget is exhausted.
	DefaultLockDuration = 15 * time.Minute
	// DefaultNewDeviceAlertThreshold is how many devices may first appear for
	// one user inside the suspicion window before an alert is raised.
	DefaultNewDeviceAlertThreshold = 3

	suspicionWindow = 24 * time.Hour
	riskNewDevice   = 10
	riskBurst       = 25

	// travelWindow bounds the lookback for concurrent-network detection; more
	// than maxConcurrentNetworks distinct prefixes inside it is implausible
	// for one person.
	travelWindow          = time.Hour
	maxConcurrentNetworks = 2
)

var (
	// ErrDeviceNotFound indicates no device matches the identifier.
	ErrDeviceNotFound = errors.New("devices: device not found")
	// ErrDeviceRevoked marks a fingerprint that was permanently revoked.
	// A revoked fingerprint never returns to service.
	ErrDeviceRevoked = errors.New("devices: device revoked")
	// ErrVerificationNotFound means no open challenge exists for the device.
	ErrVerificationNotFound = errors.New("devices: no pending verification")
	// ErrVerificationLocked signals the challenge is in its cool-down window.
	ErrVerificationLocked = errors.New("devices: verification locked")
	// ErrVerificationExpired signals the challenge outlived its TTL.
	ErrVerificationExpired = errors.New("devices: verification expired")
	// ErrVerificationCodeInvalid is returned on a wrong code.
	ErrVerificationCodeInvalid = errors.New("devices: invalid verification code")
	// ErrMethodUnavailable means the requested channel cannot be used, for
	// example totp without a confirmed enrollment.
	ErrMethodUnavailable = errors.New("devices: verification method unavailable")
)

// SessionRevoker terminates the sessions bound to a device. Satisfied by the
// rotation engine; injected as an interface to keep the packages decoupled.
type SessionRevoker interface {
	RevokeDeviceSessions(ctx context.Context, deviceID string, reason models.RevocationReason) (int64, error)
}

// ManagerConfig tunes verification and suspicion thresholds.
type ManagerConfig struct {
	CodeDigits              int
	CodeTTL                 time.Duration
	MaxAttempts             int
	LockDuration            time.Duration
	NewDeviceAlertThreshold int
	Clock                   func() time.Time
}

// Manager owns the device registry and its trust lifecycle: fingerprinted
// registration, out-of-band verification, trust revocation, and the
// suspicion signals derived from device churn.
type Manager struct {
	db       *gorm.DB
	events   audit.Recorder
	mailer   mail.Mailer
	totp     *TOTPService
	sessions SessionRevoker

	codeDigits   int
	codeTTL      time.Duration
	maxAttempts  int
	lockDuration time.Duration
	burstLimit   int
	now          func() time.Time
}

// NewManager constructs the device manager. The mailer and TOTP service are
// optional; initiating a verification over a missing channel returns
// ErrMethodUnavailable.
func NewManager(db *gorm.DB, events audit.Recorder, sessions SessionRevoker, mailer mail.Mailer, totpService *TOTPService, cfg ManagerConfig) (*Manager, error) {
	if db == nil {
		return nil, errors.New("devices: db is required")
	}
	if events == nil {
		return nil, errors.New("devices: audit recorder is required")
	}
	if sessions == nil {
		return nil, errors.New("devices: session revoker is required")
	}

	digits := cfg.CodeDigits
	if digits <= 0 {
		digits = DefaultCodeDigits
	}
	ttl := cfg.CodeTTL
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	lock := cfg.LockDuration
	if lock <= 0 {
		lock = DefaultLockDuration
	}
	burst := cfg.NewDeviceAlertThreshold
	if burst <= 0 {
		burst = DefaultNewDeviceAlertThreshold
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Manager{
		db:           db,
		events:       events,
		mailer:       mailer,
		totp:         totpService,
		sessions:     sessions,
		codeDigits:   digits,
		codeTTL:      ttl,
		maxAttempts:  attempts,
		lockDuration: lock,
		burstLimit:   burst,
		now:          clock,
	}, nil
}

// RegisterOrTouch resolves the device row for a request. A new fingerprint
// registers as UNVERIFIED; a known one has its last-seen signals refreshed.
// A revoked fingerprint stays dead.
func (m *Manager) RegisterOrTouch(ctx context.Context, userID string, input FingerprintInput) (*models.Device, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("devices: user id is required")
	}

	fingerprint := Fingerprint(input)
	now := m.now()

	var device models.Device
	err := m.db.WithContext(ctx).
		Take(&device, "user_id = ? AND fingerprint_hash = ?", userID, fingerprint).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return m.register(ctx, userID, fingerprint, input, now)
	case err != nil:
		return nil, fmt.Errorf("devices: lookup: %w", err)
	}

	if device.TrustState == models.DeviceRevoked {
		return nil, ErrDeviceRevoked
	}

	updates := map[string]any{
		"last_seen_at":    now,
		"last_ip_address": input.IPAddress,
		"last_user_agent": input.UserAgent,
	}

	// Reactivation of a deactivated device restarts the trust ladder.
	if device.DeactivatedAt != nil {
		updates["deactivated_at"] = nil
		updates["trust_state"] = models.DeviceUnverified
		updates["trusted_at"] = nil
	}

	if err := m.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ?", device.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("devices: touch: %w", err)
	}

	return m.GetDevice(ctx, userID, device.ID)
}

func (m *Manager) register(ctx context.Context, userID, fingerprint string, input FingerprintInput, now time.Time) (*models.Device, error) {
	risk := riskNewDevice

	var recent int64
	err := m.db.WithContext(ctx).Model(&models.Device{}).
		Where("user_id = ? AND first_seen_at > ?", userID, now.Add(-suspicionWindow)).
		Count(&recent).Error
	if err != nil {
		return nil, fmt.Errorf("devices: count recent: %w", err)
	}

	burst := recent+1 >= int64(m.burstLimit)
	if burst {
		risk += riskBurst
	}

	device := &models.Device{
		UserID:          userID,
		FingerprintHash: fingerprint,
		DisplayName:     displayNameFromAgent(input.UserAgent),
		TrustState:      models.DeviceUnverified,
		RiskScore:       risk,
		FirstSeenAt:     now,
		LastSeenAt:      now,
		LastIPAddress:   input.IPAddress,
		LastUserAgent:   input.UserAgent,
	}
	if err := m.db.WithContext(ctx).Create(device).Error; err != nil {
		return nil, fmt.Errorf("devices: register: %w", err)
	}

	m.events.Record(ctx, audit.Event{
		Kind:      models.EventDeviceRegistered,
		Severity:  models.SeverityInfo,
		UserID:    userID,
		DeviceID:  device.ID,
		IPAddress: input.IPAddress,
		UserAgent: input.UserAgent,
	})

	if burst {
		m.events.Record(ctx, audit.Event{
			Kind:      models.EventSuspiciousActivity,
			Severity:  models.SeverityWarning,
			UserID:    userID,
			DeviceID:  device.ID,
			IPAddress: input.IPAddress,
			UserAgent: input.UserAgent,
			Context: map[string]any{
				"signal":       "new_device_burst",
				"recent_count": recent + 1,
			},
		})
	}

	return device, nil
}

// RequiresVerification reports whether the device must complete an
// out-of-band challenge before it is trusted.
func (m *Manager) RequiresVerification(device *models.Device) bool {
	return device.IsActive() && device.TrustState != models.DeviceTrusted
}

// InitiateVerification opens a challenge for the device over the requested
// channel and moves it to PENDING_VERIFICATION. For email, a one-time code is
// generated and delivered; for totp, a confirmed enrollment must exist.
func (m *Manager) InitiateVerification(ctx context.Context, device *models.Device, email string, method models.VerificationMethod) error {
	if device.TrustState == models.DeviceRevoked {
		return ErrDeviceRevoked
	}
	if device.TrustState == models.DeviceTrusted {
		return nil
	}

	now := m.now()
	verification := &models.DeviceVerification{
		DeviceID:  device.ID,
		UserID:    device.UserID,
		Method:    method,
		ExpiresAt: now.Add(m.codeTTL),
	}

	switch method {
	case models.VerificationEmail:
		if m.mailer == nil {
			return ErrMethodUnavailable
		}
		code, err := crypto.GenerateNumericCode(m.codeDigits)
		if err != nil {
			return fmt.Errorf("devices: generate code: %w", err)
		}
		hash, err := crypto.HashCode(code)
		if err != nil {
			return fmt.Errorf("devices: hash code: %w", err)
		}
		verification.CodeHash = hash

		if err := m.mailer.Send(ctx, mail.Message{
			To:      []string{email},
			Subject: "Verify your new device",
			Body: fmt.Sprintf(
				"A sign-in from a new device needs your approval.\r\n\r\n"+
					"Verification code: %s\r\n\r\n"+
					"The code expires in %d minutes. If this wasn't you, revoke the device from your security settings.\r\n",
				code, int(m.codeTTL.Minutes())),
		}); err != nil {
			return fmt.Errorf("devices: send code: %w", err)
		}
	case models.VerificationTOTP:
		if m.totp == nil {
			return ErrMethodUnavailable
		}
		enrolled, err := m.totp.Enrolled(ctx, device.UserID)
		if err != nil {
			return err
		}
		if !enrolled {
			return ErrMethodUnavailable
		}
	default:
		return fmt.Errorf("devices: unknown verification method %q", method)
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Supersede any earlier open challenge for this device.
		if err := tx.Model(&models.DeviceVerification{}).
			Where("device_id = ? AND consumed_at IS NULL", device.ID).
			Update("expires_at", now).Error; err != nil {
			return err
		}
		if err := tx.Create(verification).Error; err != nil {
			return err
		}
		return tx.Model(&models.Device{}).
			Where("id = ? AND trust_state = ?", device.ID, models.DeviceUnverified).
			Update("trust_state", models.DevicePendingVerification).Error
	})
	if err != nil {
		return fmt.Errorf("devices: initiate verification: %w", err)
	}

	device.TrustState = models.DevicePendingVerification

	metrics.DeviceVerifications.WithLabelValues("issued").Inc()
	m.events.Record(ctx, audit.Event{
		Kind:     models.EventVerificationIssued,
		Severity: models.SeverityInfo,
		UserID:   device.UserID,
		DeviceID: device.ID,
		Context:  map[string]any{"method": string(method)},
	})

	return nil
}

// Verify redeems a challenge code. Wrong codes burn the attempt budget;
// exhausting it locks the challenge for the cool-down window. Success moves
// the device to TRUSTED.
func (m *Manager) Verify(ctx context.Context, userID, deviceID, code string) error {
	var verification models.DeviceVerification
	err := m.db.WithContext(ctx).
		Where("device_id = ? AND user_id = ? AND consumed_at IS NULL", deviceID, userID).
		Order("created_at DESC").
		First(&verification).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrVerificationNotFound
	}
	if err != nil {
		return fmt.Errorf("devices: load verification: %w", err)
	}

	now := m.now()

	if verification.LockedUntil != nil && verification.LockedUntil.After(now) {
		return ErrVerificationLocked
	}
	if verification.ExpiresAt.Before(now) {
		return ErrVerificationExpired
	}

	valid, err := m.checkCode(ctx, &verification, code)
	if err != nil {
		return err
	}
	if !valid {
		return m.recordFailedAttempt(ctx, &verification, now)
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.DeviceVerification{}).
			Where("id = ?", verification.ID).
			Update("consumed_at", now).Error; err != nil {
			return err
		}
		return tx.Model(&models.Device{}).
			Where("id = ? AND trust_state != ?", deviceID, models.DeviceRevoked).
			Updates(map[string]any{
				"trust_state": models.DeviceTrusted,
				"trusted_at":  now,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("devices: consume verification: %w", err)
	}

	metrics.DeviceVerifications.WithLabelValues("verified").Inc()
	m.events.Record(ctx, audit.Event{
		Kind:     models.EventDeviceTrusted,
		Severity: models.SeverityInfo,
		UserID:   userID,
		DeviceID: deviceID,
		Context:  map[string]any{"method": string(verification.Method)},
	})

	return nil
}

func (m *Manager) checkCode(ctx context.Context, verification *models.DeviceVerification, code string) (bool, error) {
	switch verification.Method {
	case models.VerificationEmail:
		return crypto.VerifyCode(verification.CodeHash, code), nil
	case models.VerificationTOTP:
		if m.totp == nil {
			return false, ErrMethodUnavailable
		}
		err := m.totp.ValidateCode(ctx, verification.UserID, code)
		if errors.Is(err, ErrTOTPCodeInvalid) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("devices: unknown verification method %q", verification.Method)
	}
}

func (m *Manager) recordFailedAttempt(ctx context.Context, verification *models.DeviceVerification, now time.Time) error {
	attempts := verification.Attempts + 1
	updates := map[string]any{"attempts": attempts}

	locked := attempts >= m.maxAttempts
	if locked {
		lockedUntil := now.Add(m.lockDuration)
		updates["locked_until"] = lockedUntil
	}

	if err := m.db.WithContext(ctx).Model(&models.DeviceVerification{}).
		Where("id = ?", verification.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("devices: record attempt: %w", err)
	}

	if locked {
		metrics.DeviceVerifications.WithLabelValues("locked").Inc()
		m.events.Record(ctx, audit.Event{
			Kind:     models.EventVerificationLocked,
			Severity: models.SeverityWarning,
			UserID:   verification.UserID,
			DeviceID: verification.DeviceID,
			Context:  map[string]any{"attempts": attempts},
		})
		return ErrVerificationLocked
	}

	metrics.DeviceVerifications.WithLabelValues("failed").Inc()
	m.events.Record(ctx, audit.Event{
		Kind:     models.EventVerificationFailed,
		Severity: models.SeverityWarning,
		UserID:   verification.UserID,
		DeviceID: verification.DeviceID,
		Context:  map[string]any{"attempts": attempts},
	})
	return ErrVerificationCodeInvalid
}

// Trust marks the device TRUSTED without a challenge. Reserved for explicit
// owner or admin action; the normal path runs through Verify.
func (m *Manager) Trust(ctx context.Context, userID, deviceID string) error {
	device, err := m.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if device.TrustState == models.DeviceRevoked {
		return ErrDeviceRevoked
	}
	if device.TrustState == models.DeviceTrusted {
		return nil
	}

	now := m.now()
	err = m.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ? AND trust_state != ?", device.ID, models.DeviceRevoked).
		Updates(map[string]any{
			"trust_state": models.DeviceTrusted,
			"trusted_at":  now,
		}).Error
	if err != nil {
		return fmt.Errorf("devices: trust: %w", err)
	}

	m.events.Record(ctx, audit.Event{
		Kind:     models.EventDeviceTrusted,
		Severity: models.SeverityInfo,
		UserID:   userID,
		DeviceID: deviceID,
		Context:  map[string]any{"method": "manual"},
	})
	return nil
}

// RevokeTrust demotes a trusted device back to UNVERIFIED. This is the only
// path out of TRUSTED short of full revocation.
func (m *Manager) RevokeTrust(ctx context.Context, userID, deviceID string) error {
	device, err := m.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if device.TrustState == models.DeviceRevoked {
		return ErrDeviceRevoked
	}
	if device.TrustState != models.DeviceTrusted {
		return nil
	}

	err = m.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ?", deviceID).
		Updates(map[string]any{
			"trust_state": models.DeviceUnverified,
			"trusted_at":  nil,
		}).Error
	if err != nil {
		return fmt.Errorf("devices: revoke trust: %w", err)
	}

	m.events.Record(ctx, audit.Event{
		Kind:     models.EventDeviceUntrusted,
		Severity: models.SeverityInfo,
		UserID:   userID,
		DeviceID: deviceID,
	})
	return nil
}

// Revoke permanently retires the fingerprint, optionally terminating its
// sessions. There is no way back for a revoked device; even with sessions
// left alive the coordinator rejects them on the next touch.
func (m *Manager) Revoke(ctx context.Context, userID, deviceID string, invalidateSessions bool) (int64, error) {
	device, err := m.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return 0, err
	}
	if device.TrustState == models.DeviceRevoked {
		return 0, nil
	}

	now := m.now()
	err = m.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ?", deviceID).
		Updates(map[string]any{
			"trust_state":    models.DeviceRevoked,
			"trusted_at":     nil,
			"deactivated_at": now,
		}).Error
	if err != nil {
		return 0, fmt.Errorf("devices: revoke: %w", err)
	}

	var revoked int64
	if invalidateSessions {
		revoked, err = m.sessions.RevokeDeviceSessions(ctx, deviceID, models.RevocationDeviceRemoved)
		if err != nil {
			return revoked, fmt.Errorf("devices: revoke sessions: %w", err)
		}
	}

	m.events.Record(ctx, audit.Event{
		Kind:     models.EventDeviceRevoked,
		Severity: models.SeverityWarning,
		UserID:   userID,
		DeviceID: deviceID,
		Context:  map[string]any{"sessions_revoked": revoked},
	})
	return revoked, nil
}

// Deactivate soft-removes the device and terminates its sessions. The
// fingerprint may re-register later, starting over as UNVERIFIED.
func (m *Manager) Deactivate(ctx context.Context, userID, deviceID string) (int64, error) {
	device, err := m.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return 0, err
	}
	if device.TrustState == models.DeviceRevoked {
		return 0, ErrDeviceRevoked
	}
	if device.DeactivatedAt != nil {
		return 0, nil
	}

	now := m.now()
	err = m.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ?", deviceID).
		Updates(map[string]any{
			"deactivated_at": now,
			"trust_state":    models.DeviceUnverified,
			"trusted_at":     nil,
		}).Error
	if err != nil {
		return 0, fmt.Errorf("devices: deactivate: %w", err)
	}

	revoked, err := m.sessions.RevokeDeviceSessions(ctx, deviceID, models.RevocationDeviceRemoved)
	if err != nil {
		return revoked, fmt.Errorf("devices: revoke sessions: %w", err)
	}

	m.events.Record(ctx, audit.Event{
		Kind:     models.EventDeviceUntrusted,
		Severity: models.SeverityInfo,
		UserID:   userID,
		DeviceID: deviceID,
		Context:  map[string]any{"reason": "deactivated", "sessions_revoked": revoked},
	})
	return revoked, nil
}

// Rename sets the user-facing display name.
func (m *Manager) Rename(ctx context.Context, userID, deviceID, displayName string) error {
	device, err := m.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	return m.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ?", device.ID).
		Update("display_name", strings.TrimSpace(displayName)).Error
}

// GetDevice loads one device scoped to its owner.
func (m *Manager) GetDevice(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	var device models.Device
	err := m.db.WithContext(ctx).
		Take(&device, "id = ? AND user_id = ?", deviceID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("devices: load: %w", err)
	}
	return &device, nil
}

// FindDevice loads a device by ID regardless of owner. Callers gate
// cross-user access themselves.
func (m *Manager) FindDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	var device models.Device
	err := m.db.WithContext(ctx).Take(&device, "id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("devices: load: %w", err)
	}
	return &device, nil
}

// PendingChallenge returns the open verification challenge for a device, or
// nil when none exists. Only the descriptor fields are meaningful to callers;
// the code hash never leaves this package.
func (m *Manager) PendingChallenge(ctx context.Context, userID, deviceID string) (*models.DeviceVerification, error) {
	var verification models.DeviceVerification
	err := m.db.WithContext(ctx).
		Where("device_id = ? AND user_id = ? AND consumed_at IS NULL AND expires_at > ?", deviceID, userID, m.now()).
		Order("created_at DESC").
		First(&verification).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("devices: load challenge: %w", err)
	}
	return &verification, nil
}

// List returns the user's devices, most recently seen first. Revoked and
// deactivated devices are hidden unless includeInactive is set.
func (m *Manager) List(ctx context.Context, userID string, includeInactive bool) ([]models.Device, error) {
	query := m.db.WithContext(ctx).Where("user_id = ?", userID)
	if !includeInactive {
		query = query.Where("trust_state != ? AND deactivated_at IS NULL", models.DeviceRevoked)
	}

	var list []models.Device
	if err := query.Order("last_seen_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("devices: list: %w", err)
	}
	return list, nil
}

// Signal is one read-only suspicion finding from DetectSuspiciousActivity.
type Signal struct {
	Kind    string         `json:"kind"`
	Context map[string]any `json:"context,omitempty"`
}

// DetectSuspiciousActivity runs the heuristic pass over a user's device
// fleet. It only reports; acting on the signals is the caller's call.
func (m *Manager) DetectSuspiciousActivity(ctx context.Context, userID string) ([]Signal, error) {
	now := m.now()
	var signals []Signal

	var recent int64
	err := m.db.WithContext(ctx).Model(&models.Device{}).
		Where("user_id = ? AND first_seen_at > ?", userID, now.Add(-suspicionWindow)).
		Count(&recent).Error
	if err != nil {
		return nil, fmt.Errorf("devices: count recent: %w", err)
	}
	if recent >= int64(m.burstLimit) {
		signals = append(signals, Signal{
			Kind:    "new_device_burst",
			Context: map[string]any{"recent_count": recent},
		})
	}

	// Distinct network prefixes active inside a narrow window approximate
	// implausible travel without a geo database.
	var active []models.Device
	err = m.db.WithContext(ctx).
		Where("user_id = ? AND last_seen_at > ?", userID, now.Add(-travelWindow)).
		Find(&active).Error
	if err != nil {
		return nil, fmt.Errorf("devices: load active: %w", err)
	}

	networks := make(map[string]struct{})
	for _, device := range active {
		if prefix := audit.AnonymizeIP(device.LastIPAddress); prefix != "" {
			networks[prefix] = struct{}{}
		}
	}
	if len(networks) > maxConcurrentNetworks {
		signals = append(signals, Signal{
			Kind:    "implausible_network_spread",
			Context: map[string]any{"networks": len(networks)},
		})
	}

	return signals, nil
}

// CleanupVerifications removes consumed and long-expired challenges.
func (m *Manager) CleanupVerifications(ctx context.Context) (int64, error) {
	cutoff := m.now().Add(-24 * time.Hour)
	result := m.db.WithContext(ctx).
		Where("consumed_at IS NOT NULL OR expires_at < ?", cutoff).
		Delete(&models.DeviceVerification{})
	if result.Error != nil {
		return 0, fmt.Errorf("devices: cleanup verifications: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// displayNameFromAgent derives a rough default label from the user agent so
// the device list is readable before the user renames anything.
func displayNameFromAgent(agent string) string {
	lower := strings.ToLower(agent)
	switch {
	case strings.Contains(lower, "iphone"):
		return "iPhone"
	case strings.Contains(lower, "ipad"):
		return "iPad"
	case strings.Contains(lower, "android"):
		return "Android device"
	case strings.Contains(lower, "macintosh"):
		return "Mac"
	case strings.Contains(lower, "windows"):
		return "Windows PC"
	case strings.Contains(lower, "linux"):
		return "Linux PC"
	case lower == "":
		return "Unknown device"
	default:
		return "Browser"
	}
}
