package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
)

// CredentialsRequest is the body of register and login.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse carries the account and a fresh token.
type AuthResponse struct {
	User  *domain.User `json:"user"`
	Token string       `json:"token"`
}

// Register creates an account.
// POST /api/auth/register
func (h *Handler) Register(c echo.Context) error {
	var req CredentialsRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, errInvalidBody)
	}

	user, token, err := h.service.Register(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, AuthResponse{User: user, Token: token})
}

// Login exchanges credentials for a token.
// POST /api/auth/login
func (h *Handler) Login(c echo.Context) error {
	var req CredentialsRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, errInvalidBody)
	}

	user, token, err := h.service.Login(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, AuthResponse{User: user, Token: token})
}

// Me returns the authenticated account.
// GET /api/auth/me
func (h *Handler) Me(c echo.Context) error {
	user, err := h.service.GetUser(c.Request().Context(), identityFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"user": user})
}
