package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busfleet/kiosk-sync/internal/apierr"
	"github.com/busfleet/kiosk-sync/internal/kioskauth"
)

type fakeVerifier struct {
	calledWith string
	err        error
}

func (f *fakeVerifier) Run(ctx context.Context, eventID string) error {
	f.calledWith = eventID
	return f.err
}

func protectedRouter(issuer *kioskauth.SessionIssuer) *mux.Router {
	r := mux.NewRouter()
	kiosk := r.PathPrefix("/kiosks/{kiosk_id}").Subrouter()
	kiosk.Use(RequireKioskSubject(issuer))
	kiosk.HandleFunc("/check-updates", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

func TestRequireKioskSubject_RejectsMissingBearerToken(t *testing.T) {
	issuer := kioskauth.NewSessionIssuer("secret", time.Hour, 24*time.Hour)
	router := protectedRouter(issuer)

	req := httptest.NewRequest(http.MethodGet, "/kiosks/kiosk-1/check-updates", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireKioskSubject_RejectsSubjectMismatch(t *testing.T) {
	issuer := kioskauth.NewSessionIssuer("secret", time.Hour, 24*time.Hour)
	session, err := issuer.IssueSession("kiosk-1")
	require.NoError(t, err)
	router := protectedRouter(issuer)

	req := httptest.NewRequest(http.MethodGet, "/kiosks/kiosk-2/check-updates", nil)
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireKioskSubject_AllowsMatchingSubject(t *testing.T) {
	issuer := kioskauth.NewSessionIssuer("secret", time.Hour, 24*time.Hour)
	session, err := issuer.IssueSession("kiosk-1")
	require.NoError(t, err)
	router := protectedRouter(issuer)

	req := httptest.NewRequest(http.MethodGet, "/kiosks/kiosk-1/check-updates", nil)
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteJSON_SetsContentTypeAndStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusCreated, map[string]string{"event_id": "evt-1"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"event_id":"evt-1"}`, rec.Body.String())
}

func TestWriteError_MapsApierrKindToStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, apierr.New(apierr.NotFound, "kiosk not found"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"kiosk not found"}`, rec.Body.String())
}

func TestWriteError_UnwrappedErrorBecomesInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func queueRouter(allowed []string, deps *Deps) *mux.Router {
	r := mux.NewRouter()
	queue := r.PathPrefix("/api/v1/face-verification").Subrouter()
	queue.Use(RequireQueueIdentity(allowed))
	queue.HandleFunc("/verify", handleVerifyCallback(deps)).Methods(http.MethodPost)
	return r
}

func TestRequireQueueIdentity_RejectsMissingHeader(t *testing.T) {
	router := queueRouter([]string{"verify-queue"}, &Deps{Verifier: &fakeVerifier{}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/face-verification/verify", bytes.NewBufferString(`{"event_id":"evt-1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireQueueIdentity_RejectsUnlistedQueue(t *testing.T) {
	router := queueRouter([]string{"verify-queue"}, &Deps{Verifier: &fakeVerifier{}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/face-verification/verify", bytes.NewBufferString(`{"event_id":"evt-1"}`))
	req.Header.Set("X-CloudTasks-QueueName", "some-other-queue")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireQueueIdentity_AllowsListedQueue(t *testing.T) {
	verifier := &fakeVerifier{}
	router := queueRouter([]string{"verify-queue"}, &Deps{Verifier: verifier})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/face-verification/verify", bytes.NewBufferString(`{"event_id":"evt-1"}`))
	req.Header.Set("X-CloudTasks-QueueName", "verify-queue")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "evt-1", verifier.calledWith)
}

func TestHandleVerifyCallback_RejectsEmptyEventID(t *testing.T) {
	verifier := &fakeVerifier{}
	handler := handleVerifyCallback(&Deps{Verifier: verifier})

	req := httptest.NewRequest(http.MethodPost, "/ignored", bytes.NewBufferString(`{"event_id":""}`))
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, verifier.calledWith)
}

func TestHandleVerifyCallback_PropagatesVerifierError(t *testing.T) {
	verifier := &fakeVerifier{err: apierr.New(apierr.NotFound, "event not found")}
	handler := handleVerifyCallback(&Deps{Verifier: verifier})

	req := httptest.NewRequest(http.MethodPost, "/ignored", bytes.NewBufferString(`{"event_id":"evt-1"}`))
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRefreshToken_RejectsInvalidRefreshToken(t *testing.T) {
	issuer := kioskauth.NewSessionIssuer("secret", time.Hour, 24*time.Hour)
	handler := handleRefreshToken(&Deps{SessionIss: issuer})

	req := httptest.NewRequest(http.MethodPost, "/ignored", bytes.NewBufferString(`{"refresh":"not-a-real-token"}`))
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestHandleRefreshToken_IssuesFreshAccessToken(t *testing.T) {
	issuer := kioskauth.NewSessionIssuer("secret", time.Hour, 24*time.Hour)
	session, err := issuer.IssueSession("kiosk-1")
	require.NoError(t, err)
	handler := handleRefreshToken(&Deps{SessionIss: issuer})

	req := httptest.NewRequest(http.MethodPost, "/ignored", bytes.NewBufferString(`{"refresh":"`+session.RefreshToken+`"}`))
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_token")
}
