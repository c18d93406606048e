package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthApp(secret string) *fiber.App {
	m := NewAuthMiddleware(secret)
	app := fiber.New()
	app.Get("/protected", m.Authenticate(), func(c *fiber.Ctx) error {
		return c.SendString(GetUserID(c))
	})
	return app
}

func TestAuthenticateOpenWhenNoSecret(t *testing.T) {
	app := newAuthApp("")

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/protected", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAuthenticateMissingHeader(t *testing.T) {
	app := newAuthApp("secret")

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/protected", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestAuthenticateBadHeaderFormat(t *testing.T) {
	app := newAuthApp("secret")

	req := httptest.NewRequest(fiber.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Token abc")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestAuthenticateValidToken(t *testing.T) {
	m := NewAuthMiddleware("secret")
	token, err := m.GenerateToken("user-1")
	require.NoError(t, err)

	app := newAuthApp("secret")
	req := httptest.NewRequest(fiber.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAuthenticateWrongSecret(t *testing.T) {
	other := NewAuthMiddleware("other-secret")
	token, err := other.GenerateToken("user-1")
	require.NoError(t, err)

	app := newAuthApp("secret")
	req := httptest.NewRequest(fiber.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
