package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/jobengine/internal/auth"
	"github.com/makeasinger/jobengine/pkg/response"
)

const (
	localUserID = "userId"
	localEmail  = "email"
	localName   = "name"
)

// Authenticate validates the bearer token and stores the caller identity in
// the request locals. Browsers cannot set headers on a WebSocket handshake, so
// a "token" query parameter is accepted for upgrade requests.
func Authenticate(verifier auth.TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, err := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			if tokenString = c.Query("token"); tokenString == "" || !isUpgrade(c) {
				return response.Unauthorized(c, "Missing authorization header")
			}
		}

		id, err := verifier.Validate(tokenString)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		setIdentity(c, id)
		return c.Next()
	}
}

// GatewayAuth reads the caller identity from X-User-* headers set by a
// ForwardAuth gateway
func GatewayAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		setIdentity(c, &auth.Identity{
			UserID: userID,
			Email:  c.Get("X-User-Email"),
			Name:   c.Get("X-User-Name"),
		})
		return c.Next()
	}
}

func setIdentity(c *fiber.Ctx, id *auth.Identity) {
	c.Locals(localUserID, id.UserID)
	c.Locals(localEmail, id.Email)
	c.Locals(localName, id.Name)
}

func isUpgrade(c *fiber.Ctx) bool {
	return c.Get(fiber.HeaderUpgrade) == "websocket"
}

// GetUserID gets the user ID from context
func GetUserID(c *fiber.Ctx) string {
	userID, _ := c.Locals(localUserID).(string)
	return userID
}

// GetUserEmail gets the user email from context
func GetUserEmail(c *fiber.Ctx) string {
	email, _ := c.Locals(localEmail).(string)
	return email
}
