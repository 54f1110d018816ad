package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestGenerateTokenAndExtract(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	secret := "test-secret"
	tokenStr, expiresAt, err := GenerateToken("agent-7", "owner-3", secret, time.Hour)
	assert.NoError(t, err)
	assert.NotEmpty(t, tokenStr)
	assert.True(t, expiresAt.After(time.Now()))

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	assert.NoError(t, err)
	assert.True(t, token.Valid)
	c.Set("user", token)

	agentID, err := AgentIDFromContext(c)
	assert.NoError(t, err)
	assert.Equal(t, "agent-7", agentID)

	ownerID, err := OwnerIDFromContext(c)
	assert.NoError(t, err)
	assert.Equal(t, "owner-3", ownerID)
}

func TestGenerateToken_Validation(t *testing.T) {
	_, _, err := GenerateToken("", "owner", "secret", time.Hour)
	assert.Error(t, err)

	_, _, err = GenerateToken("agent", "owner", "", time.Hour)
	assert.Error(t, err)

	_, _, err = GenerateToken("agent", "owner", "secret", 0)
	assert.Error(t, err)
}

func TestAgentIDFromContext_MissingUser(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_, err := AgentIDFromContext(c)
	assert.Error(t, err)

	httpErr, ok := err.(*echo.HTTPError)
	assert.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
}
