package kioskauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newHeartbeatService() *HeartbeatService {
	return NewHeartbeatService(nil, 20, 10, 5*time.Minute, 24*time.Hour)
}

func TestClassify_BatteryBoundaries(t *testing.T) {
	h := newHeartbeatService()

	require.Equal(t, StatusCritical, h.Classify(9, false))
	require.Equal(t, StatusWarning, h.Classify(10, false))
	require.Equal(t, StatusWarning, h.Classify(19, false))
	require.Equal(t, StatusOK, h.Classify(20, false))
}

func TestClassify_ChargingOverridesLowBattery(t *testing.T) {
	h := newHeartbeatService()
	require.Equal(t, StatusOK, h.Classify(1, true))
}

func TestIsOnline_WithinFiveMinutes(t *testing.T) {
	h := newHeartbeatService()
	now := time.Now()
	recent := now.Add(-4 * time.Minute)
	stale := now.Add(-6 * time.Minute)

	require.True(t, h.IsOnline(&recent, now))
	require.False(t, h.IsOnline(&stale, now))
	require.False(t, h.IsOnline(nil, now))
}

func TestIsOffline_After24Hours(t *testing.T) {
	h := newHeartbeatService()
	now := time.Now()
	recent := now.Add(-23 * time.Hour)
	stale := now.Add(-25 * time.Hour)

	require.False(t, h.IsOffline(&recent, now))
	require.True(t, h.IsOffline(&stale, now))
	require.True(t, h.IsOffline(nil, now))
}

func TestSessionIssuer_IssueAndAuthenticate(t *testing.T) {
	issuer := NewSessionIssuer("test-secret", time.Hour, 24*time.Hour)

	sess, err := issuer.IssueSession("kiosk-1")
	require.NoError(t, err)
	require.NotEmpty(t, sess.AccessToken)
	require.NotEmpty(t, sess.RefreshToken)

	kioskID, err := issuer.Authenticate(sess.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "kiosk-1", kioskID)

	_, err = issuer.Authenticate(sess.RefreshToken)
	require.Error(t, err)
}

func TestSessionIssuer_Refresh(t *testing.T) {
	issuer := NewSessionIssuer("test-secret", time.Hour, 24*time.Hour)
	sess, err := issuer.IssueSession("kiosk-1")
	require.NoError(t, err)

	refreshed, err := issuer.Refresh(sess.RefreshToken)
	require.NoError(t, err)

	kioskID, err := issuer.Authenticate(refreshed.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "kiosk-1", kioskID)
}
