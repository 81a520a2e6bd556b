// Package kioskauth implements C4: one-time activation, bearer session
// issuance, and heartbeat-derived health classification for registered
// kiosks. Bearer tokens are golang-jwt/jwt/v4 tokens (the pack's sole JWT
// dependency, adopted per SPEC_FULL.md's "enrich from the rest of the pack"
// rule and matching original_source's rest_framework_simplejwt usage).
package kioskauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/busfleet/kiosk-sync/internal/apierr"
	"github.com/busfleet/kiosk-sync/internal/database"
)

// Status values a heartbeat derives, matching original_source's
// KioskStatus.status choices.
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

type TokenStore interface {
	RedeemActivationToken(ctx context.Context, tokenHash string, at time.Time) (kioskID string, err error)
}

type HeartbeatStore interface {
	RecordHeartbeat(ctx context.Context, kioskID string, batteryLevel int, isCharging bool, storageUsedMB int, firmwareVersion string, at time.Time) error
	GetKiosk(ctx context.Context, id string) (*database.Kiosk, error)
}

// HashActivationSecret hashes an activation-token secret the way the
// original hashes API keys (SHA-256 hex) before ever persisting or
// comparing it, so the plaintext token is never stored.
func HashActivationSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ActivationService redeems one-time activation tokens.
type ActivationService struct {
	store TokenStore
}

func NewActivationService(store TokenStore) *ActivationService {
	return &ActivationService{store: store}
}

// Activate exchanges a plaintext activation secret for the kiosk ID it was
// minted for. The redemption itself is an atomic compare-and-set at the
// database (UPDATE ... WHERE is_used = FALSE), so two concurrent redemption
// attempts for the same token can never both succeed.
func (a *ActivationService) Activate(ctx context.Context, secret string) (string, error) {
	if secret == "" {
		return "", apierr.New(apierr.Validation, "activation secret is required")
	}
	hash := HashActivationSecret(secret)
	kioskID, err := a.store.RedeemActivationToken(ctx, hash, time.Now())
	if err != nil {
		return "", err
	}
	return kioskID, nil
}

// Claims is the custom JWT payload: the kiosk ID plus a "typ" claim that is
// "access" or "refresh". No claim marks a token as a kiosk token.
type Claims struct {
	jwt.RegisteredClaims
	KioskID string `json:"kiosk_id"`
	Type    string `json:"typ"`
}

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// SessionIssuer mints and refreshes bearer sessions.
type SessionIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewSessionIssuer(secret string, accessTTL, refreshTTL time.Duration) *SessionIssuer {
	return &SessionIssuer{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// Session is the pair of bearer tokens returned on activation or refresh.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (i *SessionIssuer) IssueSession(kioskID string) (*Session, error) {
	access, err := i.sign(kioskID, tokenTypeAccess, i.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(kioskID, tokenTypeRefresh, i.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &Session{AccessToken: access, RefreshToken: refresh, ExpiresIn: int(i.accessTTL.Seconds())}, nil
}

// Refresh validates a refresh token and mints a fresh access token,
// preserving the kiosk subject.
func (i *SessionIssuer) Refresh(refreshToken string) (*Session, error) {
	claims, err := i.parse(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Type != tokenTypeRefresh {
		return nil, apierr.New(apierr.Authentication, "token is not a refresh token")
	}
	access, err := i.sign(claims.KioskID, tokenTypeAccess, i.accessTTL)
	if err != nil {
		return nil, err
	}
	return &Session{AccessToken: access, ExpiresIn: int(i.accessTTL.Seconds())}, nil
}

// Authenticate validates a bearer access token and returns the kiosk ID it
// was minted for.
func (i *SessionIssuer) Authenticate(accessToken string) (string, error) {
	claims, err := i.parse(accessToken)
	if err != nil {
		return "", err
	}
	if claims.Type != tokenTypeAccess {
		return "", apierr.New(apierr.Authentication, "token is not an access token")
	}
	return claims.KioskID, nil
}

func (i *SessionIssuer) sign(kioskID, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   kioskID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		KioskID: kioskID,
		Type:    tokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "kioskauth: sign token", err)
	}
	return signed, nil
}

func (i *SessionIssuer) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apierr.Wrap(apierr.Authentication, "kioskauth: invalid or expired bearer token", err)
	}
	return claims, nil
}

// HeartbeatService records liveness and derives health classification.
type HeartbeatService struct {
	store             HeartbeatStore
	warningPercent    int
	criticalPercent   int
	offlineWindow     time.Duration
	alertAfterMissing time.Duration
}

func NewHeartbeatService(store HeartbeatStore, warningPercent, criticalPercent int, offlineWindow, alertAfterMissing time.Duration) *HeartbeatService {
	return &HeartbeatService{
		store:             store,
		warningPercent:    warningPercent,
		criticalPercent:   criticalPercent,
		offlineWindow:     offlineWindow,
		alertAfterMissing: alertAfterMissing,
	}
}

// Record persists a heartbeat and returns the health status the kiosk
// should be classified as.
func (h *HeartbeatService) Record(ctx context.Context, kioskID string, batteryLevel int, isCharging bool, storageUsedMB int, firmwareVersion string) (string, error) {
	now := time.Now()
	if err := h.store.RecordHeartbeat(ctx, kioskID, batteryLevel, isCharging, storageUsedMB, firmwareVersion, now); err != nil {
		return "", err
	}
	return h.Classify(batteryLevel, isCharging), nil
}

// Classify derives the health status table: charging always overrides
// battery level to ok; otherwise critical below the critical threshold,
// warning below the warning threshold, ok otherwise.
func (h *HeartbeatService) Classify(batteryLevel int, isCharging bool) string {
	if isCharging {
		return StatusOK
	}
	if batteryLevel < h.criticalPercent {
		return StatusCritical
	}
	if batteryLevel < h.warningPercent {
		return StatusWarning
	}
	return StatusOK
}

// IsOnline reports whether last_heartbeat fell within the online window.
func (h *HeartbeatService) IsOnline(lastHeartbeat *time.Time, now time.Time) bool {
	if lastHeartbeat == nil {
		return false
	}
	return now.Sub(*lastHeartbeat) <= h.offlineWindow
}

// IsOffline reports whether a kiosk has missed heartbeats long enough to
// raise an alert.
func (h *HeartbeatService) IsOffline(lastHeartbeat *time.Time, now time.Time) bool {
	if lastHeartbeat == nil {
		return true
	}
	return now.Sub(*lastHeartbeat) > h.alertAfterMissing
}
