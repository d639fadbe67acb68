package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyforge/pipeline/pkg/models"
)

type fakeVerifier struct {
	identity *models.AccountIdentity
	err      error
}

func (f *fakeVerifier) Verify(ctx context.Context, token string) (*models.AccountIdentity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.identity, nil
}

func TestTokenAuthRejections(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		header         string
		verifyErr      error
		expectedStatus int
	}{
		{
			name:           "Missing authorization header",
			header:         "",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Invalid token format",
			header:         "NotBearer",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Expired token",
			header:         "Bearer stale",
			verifyErr:      models.ErrTokenExpired,
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Revoked token",
			header:         "Bearer revoked",
			verifyErr:      models.ErrTokenRevoked,
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			c.Request = req

			TokenAuth(&fakeVerifier{err: tt.verifyErr})(c)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.True(t, c.IsAborted())
		})
	}
}

func TestTokenAuthStoresIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)

	verifier := &fakeVerifier{identity: &models.AccountIdentity{
		AccountID: "acct-1",
		Tier:      models.TierProfessional,
	}}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	c.Request = req

	TokenAuth(verifier)(c)

	assert.False(t, c.IsAborted())
	identity, ok := GetIdentity(c)
	require.True(t, ok)
	assert.Equal(t, "acct-1", identity.AccountID)
	assert.Equal(t, models.TierProfessional, identity.Tier)
}

type fakeQuotaReader struct {
	limit, remaining int64
	reset            time.Time
	err              error
}

func (f *fakeQuotaReader) Usage(ctx context.Context, accountID, tier string) (int64, int64, time.Time, error) {
	return f.limit, f.remaining, f.reset, f.err
}

func TestQuotaHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)

	reset := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(IdentityContextKey, &models.AccountIdentity{AccountID: "acct-1", Tier: models.TierStarter})
	})
	router.Use(QuotaHeaders(&fakeQuotaReader{limit: 50, remaining: 12, reset: reset}))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, "50", w.Header().Get("X-Quota-Limit"))
	assert.Equal(t, "12", w.Header().Get("X-Quota-Remaining"))
	assert.Equal(t, "2026-10-01T00:00:00Z", w.Header().Get("X-Quota-Reset"))
}

func TestQuotaHeadersSkippedWithoutIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(QuotaHeaders(&fakeQuotaReader{limit: 50, remaining: 12}))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Empty(t, w.Header().Get("X-Quota-Limit"))
}
