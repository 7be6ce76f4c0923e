package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestJWTService(t *testing.T, clock *testClock) *JWTService {
	t.Helper()

	service, err := NewJWTService(JWTConfig{
		Secret:         "test-secret-test-secret-test-1234",
		Issuer:         "sessiond-test",
		AccessTokenTTL: 15 * time.Minute,
		Clock:          clock.Now,
	})
	require.NoError(t, err)
	return service
}

func TestGenerateAndValidateAccessToken(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	service := newTestJWTService(t, clock)

	signed, expiry, err := service.GenerateAccessToken(AccessTokenInput{
		UserID:    "user-1",
		SessionID: "session-1",
		DeviceID:  "device-1",
	})
	require.NoError(t, err)
	require.True(t, expiry.Equal(clock.Now().Add(15*time.Minute)))

	claims, err := service.ValidateAccessToken(signed)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, "session-1", claims.SessionID)
	require.Equal(t, "device-1", claims.DeviceID)
	require.Equal(t, "sessiond-test", claims.Issuer)
}

func TestGenerateAccessTokenHonoursExplicitExpiry(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	service := newTestJWTService(t, clock)

	pinned := clock.Now().Add(2 * time.Minute)
	_, expiry, err := service.GenerateAccessToken(AccessTokenInput{
		UserID:    "user-1",
		ExpiresAt: pinned,
	})
	require.NoError(t, err)
	require.True(t, expiry.Equal(pinned))
}

func TestGenerateAccessTokenRequiresUserID(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	service := newTestJWTService(t, clock)

	_, _, err := service.GenerateAccessToken(AccessTokenInput{})
	require.Error(t, err)
}

func TestValidateAccessTokenRejectsExpired(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	service := newTestJWTService(t, clock)

	signed, _, err := service.GenerateAccessToken(AccessTokenInput{UserID: "user-1"})
	require.NoError(t, err)

	clock.Advance(16 * time.Minute)

	_, err = service.ValidateAccessToken(signed)
	require.Error(t, err)
}

func TestValidateAccessTokenRejectsWrongSecret(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	service := newTestJWTService(t, clock)

	other, err := NewJWTService(JWTConfig{
		Secret: "a-completely-different-secret-key",
		Issuer: "sessiond-test",
		Clock:  clock.Now,
	})
	require.NoError(t, err)

	signed, _, err := other.GenerateAccessToken(AccessTokenInput{UserID: "user-1"})
	require.NoError(t, err)

	_, err = service.ValidateAccessToken(signed)
	require.Error(t, err)
}

func TestValidateAccessTokenRejectsWrongIssuer(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	service := newTestJWTService(t, clock)

	other, err := NewJWTService(JWTConfig{
		Secret: "test-secret-test-secret-test-1234",
		Issuer: "someone-else",
		Clock:  clock.Now,
	})
	require.NoError(t, err)

	signed, _, err := other.GenerateAccessToken(AccessTokenInput{UserID: "user-1"})
	require.NoError(t, err)

	_, err = service.ValidateAccessToken(signed)
	require.Error(t, err)
}

func TestValidateAccessTokenRejectsEmptyString(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	service := newTestJWTService(t, clock)

	_, err := service.ValidateAccessToken("")
	require.Error(t, err)
}
