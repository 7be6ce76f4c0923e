package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"gorm.io/gorm"

	"github.com/signaldesk/sessiond/internal/models"
	"github.com/signaldesk/sessiond/pkg/crypto"
)

const totpQRCodeSize = 256

var (
	// ErrTOTPNotEnrolled means the user has no confirmed authenticator secret.
	ErrTOTPNotEnrolled = errors.New("totp: not enrolled")
	// ErrTOTPAlreadyConfirmed blocks re-enrollment over a confirmed secret.
	ErrTOTPAlreadyConfirmed = errors.New("totp: already confirmed")
	// ErrTOTPCodeInvalid is returned when the presented code does not validate.
	ErrTOTPCodeInvalid = errors.New("totp: invalid code")
)

// TOTPEnrollment is handed to the client once at enrollment time. The QR code
// is a PNG rendering of the provisioning URL.
type TOTPEnrollment struct {
	Secret          string `json:"secret"`
	ProvisioningURL string `json:"provisioning_url"`
	QRCode          []byte `json:"qr_code"`
}

// TOTPService manages authenticator enrollment. Secrets are AES-256-GCM
// encrypted before they touch the database.
type TOTPService struct {
	db            *gorm.DB
	issuer        string
	encryptionKey []byte
	now           func() time.Time
}

// NewTOTPService constructs the service. The encryption key must be 32 bytes.
func NewTOTPService(db *gorm.DB, issuer string, encryptionKey []byte, clock func() time.Time) (*TOTPService, error) {
	if db == nil {
		return nil, errors.New("totp: db is required")
	}
	if len(encryptionKey) != 32 {
		return nil, errors.New("totp: encryption key must be 32 bytes")
	}
	if issuer == "" {
		issuer = "sessiond"
	}
	if clock == nil {
		clock = time.Now
	}
	return &TOTPService{db: db, issuer: issuer, encryptionKey: encryptionKey, now: clock}, nil
}

// Enroll generates a secret for the user and returns the provisioning
// material. An unconfirmed secret may be re-enrolled; a confirmed one may not.
func (s *TOTPService) Enroll(ctx context.Context, userID, accountName string) (*TOTPEnrollment, error) {
	var existing models.TOTPSecret
	err := s.db.WithContext(ctx).Take(&existing, "user_id = ?", userID).Error
	if err == nil && existing.ConfirmedAt != nil {
		return nil, ErrTOTPAlreadyConfirmed
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("totp: load secret: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, fmt.Errorf("totp: generate secret: %w", err)
	}

	encrypted, err := crypto.Encrypt([]byte(key.Secret()), s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("totp: encrypt secret: %w", err)
	}

	record := models.TOTPSecret{UserID: userID, EncryptedSecret: encrypted}
	if existing.ID != "" {
		record.ID = existing.ID
		err = s.db.WithContext(ctx).Model(&models.TOTPSecret{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{"encrypted_secret": encrypted, "confirmed_at": nil}).Error
	} else {
		err = s.db.WithContext(ctx).Create(&record).Error
	}
	if err != nil {
		return nil, fmt.Errorf("totp: store secret: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, totpQRCodeSize)
	if err != nil {
		return nil, fmt.Errorf("totp: render qr code: %w", err)
	}

	return &TOTPEnrollment{
		Secret:          key.Secret(),
		ProvisioningURL: key.URL(),
		QRCode:          png,
	}, nil
}

// Confirm validates the first code from the authenticator and marks the
// secret confirmed, enabling the totp verification method for the user.
func (s *TOTPService) Confirm(ctx context.Context, userID, code string) error {
	secret, record, err := s.loadSecret(ctx, userID, false)
	if err != nil {
		return err
	}

	if !totp.Validate(code, secret) {
		return ErrTOTPCodeInvalid
	}

	now := s.now()
	return s.db.WithContext(ctx).Model(&models.TOTPSecret{}).
		Where("id = ?", record.ID).
		Update("confirmed_at", now).Error
}

// ValidateCode checks a code against the user's confirmed secret.
func (s *TOTPService) ValidateCode(ctx context.Context, userID, code string) error {
	secret, _, err := s.loadSecret(ctx, userID, true)
	if err != nil {
		return err
	}
	if !totp.Validate(code, secret) {
		return ErrTOTPCodeInvalid
	}
	return nil
}

// Enrolled reports whether the user has a confirmed secret.
func (s *TOTPService) Enrolled(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.TOTPSecret{}).
		Where("user_id = ? AND confirmed_at IS NOT NULL", userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("totp: check enrollment: %w", err)
	}
	return count > 0, nil
}

func (s *TOTPService) loadSecret(ctx context.Context, userID string, requireConfirmed bool) (string, *models.TOTPSecret, error) {
	var record models.TOTPSecret
	err := s.db.WithContext(ctx).Take(&record, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, ErrTOTPNotEnrolled
	}
	if err != nil {
		return "", nil, fmt.Errorf("totp: load secret: %w", err)
	}
	if requireConfirmed && record.ConfirmedAt == nil {
		return "", nil, ErrTOTPNotEnrolled
	}

	plaintext, err := crypto.Decrypt(record.EncryptedSecret, s.encryptionKey)
	if err != nil {
		return "", nil, fmt.Errorf("totp: decrypt secret: %w", err)
	}
	return string(plaintext), &record, nil
}
