package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"identity": GetIdentity(c), "service": GetServiceID(c)})
	})
	return r
}

func TestJWTMiddleware(t *testing.T) {
	secret := "jwt-secret"
	cfg := JWTConfig{Secret: secret, Expiration: time.Hour}

	valid, err := GenerateToken("0xalice", "alice@example.com", cfg)
	require.NoError(t, err)
	expired, err := GenerateToken("0xalice", "", JWTConfig{Secret: secret, Expiration: -time.Minute})
	require.NoError(t, err)
	wrongKey, err := GenerateToken("0xalice", "", JWTConfig{Secret: "other", Expiration: time.Hour})
	require.NoError(t, err)
	noIdentity, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Identity: "0xalice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "valid token", header: "Bearer " + valid, wantStatus: http.StatusOK},
		{name: "lowercase scheme", header: "bearer " + valid, wantStatus: http.StatusOK},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + valid, wantStatus: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, wantStatus: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer " + wrongKey, wantStatus: http.StatusUnauthorized},
		{name: "no identity", header: "Bearer " + noIdentity, wantStatus: http.StatusUnauthorized},
		{name: "alg none", header: "Bearer " + noneAlg, wantStatus: http.StatusUnauthorized},
	}

	r := newRouter(JWTMiddleware(secret))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				var body map[string]string
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, "0xalice", body["identity"])
			}
		})
	}
}

func TestJWTMiddleware_EmptySecret(t *testing.T) {
	_, err := GenerateToken("creator", "", JWTConfig{Secret: "", Expiration: time.Hour})
	assert.Error(t, err)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Identity:         "creator",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(""))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	w := httptest.NewRecorder()
	newRouter(JWTMiddleware("")).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotContains(t, w.Body.String(), "creator")
}

func TestServiceKeyMiddleware(t *testing.T) {
	hash, err := HashServiceKey("relay-key")
	require.NoError(t, err)

	r := newRouter(ServiceKeyMiddleware(StaticServiceKeys(map[string]string{"relayer-1": hash})))

	tests := []struct {
		name       string
		serviceID  string
		key        string
		wantStatus int
	}{
		{name: "valid", serviceID: "relayer-1", key: "relay-key", wantStatus: http.StatusOK},
		{name: "wrong key", serviceID: "relayer-1", key: "guess", wantStatus: http.StatusUnauthorized},
		{name: "unknown service", serviceID: "relayer-2", key: "relay-key", wantStatus: http.StatusUnauthorized},
		{name: "missing key", serviceID: "relayer-1", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Header.Set("X-Service-ID", tt.serviceID)
			req.Header.Set("X-API-Key", tt.key)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"service":"relayer-1"`)
			}
		})
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	r := newRouter(RequestLogger(logger))

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-123", line["request_id"])
	assert.Equal(t, "/whoami", line["path"])
	assert.EqualValues(t, 200, line["status"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}
