package devices

import (
	"strings"

	"github.com/signaldesk/sessiond/internal/audit"
	"github.com/signaldesk/sessiond/pkg/crypto"
)

// FingerprintInput holds the request signals a fingerprint is derived from.
// The IP contributes only its anonymised network prefix so that ordinary DHCP
// churn inside one network does not mint a new device.
type FingerprintInput struct {
	UserAgent      string
	AcceptLanguage string
	ClientHints    string // sec-ch-ua
	IPAddress      string
}

// Fingerprint derives the stable device fingerprint hash for a request.
// Inputs are normalised before hashing so header-casing differences do not
// fragment a device into several rows.
func Fingerprint(input FingerprintInput) string {
	parts := []string{
		normalizeSignal(input.UserAgent),
		normalizeSignal(input.AcceptLanguage),
		normalizeSignal(input.ClientHints),
		audit.AnonymizeIP(input.IPAddress),
	}
	return crypto.HashSHA256(strings.Join(parts, "\x1f"))
}

func normalizeSignal(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}
