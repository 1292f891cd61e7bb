package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-service/internal/audit"
	"session-service/internal/bucketing"
	"session-service/internal/client"
	"session-service/internal/config"
	"session-service/internal/device"
	"session-service/internal/lockout"
	"session-service/internal/password"
	"session-service/internal/repository/memory"
	redisrepo "session-service/internal/repository/redis"
	"session-service/internal/service"
	"session-service/internal/signing"
	"session-service/internal/token"
	"session-service/internal/util"
)

func testRouter(t *testing.T) chi.Router {
	t.Helper()

	cfg := &config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8192,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
		Password: config.PasswordConfig{MinLength: 10, MinScore: 3},
		Lockout: config.LockoutConfig{
			Threshold:   3,
			BaseLockout: time.Minute,
			MaxLockout:  8 * time.Minute,
		},
		DeviceTrust: config.DeviceTrustConfig{
			AcceptThreshold:    0.7,
			BiometricThreshold: 0.8,
		},
		Token: config.TokenConfig{
			AccessTTL:    15 * time.Minute,
			RefreshTTL:   24 * time.Hour,
			KeyRetention: time.Hour,
			Issuer:       "session-service-test",
		},
		Bucketing: config.BucketingConfig{UserBuckets: 64, EventBuckets: 256},
	}

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := client.Wrap(rdb)

	keys, err := signing.NewKeyring(cfg.Token.KeyRetention)
	require.NoError(t, err)
	engine := token.NewEngine(cfg, keys,
		redisrepo.NewRevocationCache(rc),
		redisrepo.NewSessionCache(rc))

	auditor := audit.NewDispatcher(bucketing.NewBucketingManager(cfg), audit.NewMemorySink())

	svc, err := service.NewAuthService(cfg,
		memory.NewCredentialRepository(),
		password.NewPolicy(cfg),
		lockout.NewMachine(cfg),
		device.NewEvaluator(cfg),
		device.NewStaticMatcher(),
		engine,
		auditor)
	require.NoError(t, err)

	r := chi.NewRouter()
	NewAuthHandler(svc, testAdminToken, util.Get()).RegisterRoutes(r)
	return r
}

const testAdminToken = "gateway-admin-token"

func adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Token": testAdminToken}
}

func doJSON(t *testing.T, router chi.Router, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, Response) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec, resp
}

func registerBody() map[string]interface{} {
	return map[string]interface{}{
		"email":    "ada@example.com",
		"password": "Vault!Mint9Quartz",
		"device": map[string]string{
			"device_id":      "dev-1",
			"device_type":    "ios",
			"name":           "Ada's phone",
			"security_level": "HIGH",
			"fingerprint":    "fp-1",
		},
	}
}

func loginBody() map[string]interface{} {
	return map[string]interface{}{
		"identifier": "ada@example.com",
		"password":   "Vault!Mint9Quartz",
		"device": map[string]string{
			"device_id":      "dev-1",
			"security_level": "HIGH",
			"fingerprint":    "fp-1",
		},
	}
}

func TestRegisterEndpoint(t *testing.T) {
	router := testRouter(t)

	rec, resp := doJSON(t, router, http.MethodPost, "/auth/register", registerBody(), nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, resp.Success)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["user_id"])
	assert.Equal(t, "pending", data["kyc_status"])

	rec, resp = doJSON(t, router, http.MethodPost, "/auth/register", registerBody(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, resp.Success)
}

func TestRegisterWeakPasswordDetail(t *testing.T) {
	router := testRouter(t)

	body := registerBody()
	body["password"] = "password"
	rec, resp := doJSON(t, router, http.MethodPost, "/auth/register", body, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.False(t, resp.Success)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["violations"])
}

func TestLoginEndpoint(t *testing.T) {
	router := testRouter(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/auth/register", registerBody(), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := doJSON(t, router, http.MethodPost, "/auth/login", loginBody(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["access_token"])
	assert.NotEmpty(t, data["refresh_token"])
}

func TestLoginWrongPassword(t *testing.T) {
	router := testRouter(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/auth/register", registerBody(), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := loginBody()
	body["password"] = "Wrong!Mint9Quartz"
	rec, resp := doJSON(t, router, http.MethodPost, "/auth/login", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, resp.Success)
}

func TestLoginLockoutStatus(t *testing.T) {
	router := testRouter(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/auth/register", registerBody(), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := loginBody()
	body["password"] = "Wrong!Mint9Quartz"
	for i := 0; i < 3; i++ {
		rec, _ = doJSON(t, router, http.MethodPost, "/auth/login", body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/auth/login", loginBody(), nil)
	assert.Equal(t, http.StatusLocked, rec.Code)
}

func TestLogoutRequiresSession(t *testing.T) {
	router := testRouter(t)

	rec, resp := doJSON(t, router, http.MethodPost, "/auth/logout", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, resp.Success)
}

func TestLogoutFlow(t *testing.T) {
	router := testRouter(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/auth/register", registerBody(), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := doJSON(t, router, http.MethodPost, "/auth/login", loginBody(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	access := data["access_token"].(string)

	auth := map[string]string{
		"Authorization": "Bearer " + access,
		"X-Device-ID":   "dev-1",
	}
	rec, resp = doJSON(t, router, http.MethodPost, "/auth/logout", nil, auth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	// The revoked token no longer authenticates.
	rec, _ = doJSON(t, router, http.MethodPost, "/auth/logout", nil, auth)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionBoundToDevice(t *testing.T) {
	router := testRouter(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/auth/register", registerBody(), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := doJSON(t, router, http.MethodPost, "/auth/login", loginBody(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	access := resp.Data.(map[string]interface{})["access_token"].(string)

	rec, _ = doJSON(t, router, http.MethodPost, "/auth/logout", nil, map[string]string{
		"Authorization": "Bearer " + access,
		"X-Device-ID":   "dev-other",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshEndpoint(t *testing.T) {
	router := testRouter(t)

	rec, _ := doJSON(t, router, http.MethodPost, "/auth/register", registerBody(), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := doJSON(t, router, http.MethodPost, "/auth/login", loginBody(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	refresh := resp.Data.(map[string]interface{})["refresh_token"].(string)

	body := map[string]string{
		"refresh_token": refresh,
		"device_id":     "dev-1",
		"fingerprint":   "fp-1",
	}
	rec, resp = doJSON(t, router, http.MethodPost, "/auth/refresh", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	// Single use.
	rec, _ = doJSON(t, router, http.MethodPost, "/auth/refresh", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestScorePasswordEndpoint(t *testing.T) {
	router := testRouter(t)

	rec, resp := doJSON(t, router, http.MethodPost, "/auth/password/score", map[string]string{
		"password": "password",
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(0), data["Score"])
}

func TestUpdateKYCStatusEndpoint(t *testing.T) {
	router := testRouter(t)

	rec, resp := doJSON(t, router, http.MethodPost, "/auth/register", registerBody(), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	userID := resp.Data.(map[string]interface{})["user_id"].(string)

	rec, _ = doJSON(t, router, http.MethodPatch, "/auth/users/"+userID+"/kyc", map[string]string{
		"status": "verified",
	}, adminHeaders())
	assert.Equal(t, http.StatusOK, rec.Code)

	// pending is not reachable from verified.
	rec, _ = doJSON(t, router, http.MethodPatch, "/auth/users/"+userID+"/kyc", map[string]string{
		"status": "pending",
	}, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutesRequireGatewayToken(t *testing.T) {
	router := testRouter(t)

	rec, _ := doJSON(t, router, http.MethodPatch, "/auth/users/some-user/kyc", map[string]string{
		"status": "verified",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, router, http.MethodPost, "/auth/keys/rotate", nil, map[string]string{
		"X-Admin-Token": "not-the-token",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, resp := doJSON(t, router, http.MethodPost, "/auth/keys/rotate", nil, adminHeaders())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
}

func TestHealthEndpoint(t *testing.T) {
	router := testRouter(t)

	rec, resp := doJSON(t, router, http.MethodGet, "/auth/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
}
