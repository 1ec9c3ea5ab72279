package services

import (
	"net/http"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"

	"github.com/firstpeek/peek_api/shared"
)

// AuthMiddleware guards the administrative surface. Visitor-facing routes are
// deliberately unauthenticated; admission is decided by identity, not
// credentials.
type AuthMiddleware struct {
	context.DefaultService

	jwtSvc *JWTService
}

const AUTH_MIDDLEWARE_SVC = "auth"

func (svc AuthMiddleware) Id() string {
	return AUTH_MIDDLEWARE_SVC
}

func (svc *AuthMiddleware) Configure(ctx *context.Context) error {
	svc.jwtSvc = ctx.Service(JWT_SVC).(*JWTService)
	return svc.DefaultService.Configure(ctx)
}

func (svc *AuthMiddleware) Start() error {
	return nil
}

func (svc *AuthMiddleware) RequiredAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		token, err := svc.jwtSvc.ExtractTokenFromHeader(authHeader)
		if err != nil {
			return shared.ResponseJSON(c, http.StatusUnauthorized, "Unauthorized", err.Error())
		}

		subject, err := svc.jwtSvc.VerifyJWTToken(token)
		if err != nil {
			return shared.ResponseJSON(c, http.StatusUnauthorized, "Unauthorized", "Invalid JWT token")
		}

		if subject == "" {
			return shared.ResponseJSON(c, http.StatusUnauthorized, "Unauthorized", "Invalid subject in token")
		}

		c.Locals(shared.UserID, subject)
		return c.Next()
	}
}
