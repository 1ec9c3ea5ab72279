package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/firstpeek/peek_api/services/handlers"
	"github.com/firstpeek/peek_api/shared"
)

type HttpService struct {
	context.DefaultService

	admissionSvc  *AdmissionService
	rateLimitSvc  *RateLimitService
	jwtSvc        *JWTService
	authSvc       *AuthMiddleware
	monitoringSvc *MonitoringService

	port   int
	server *fiber.App
}

const HTTP_SVC = "http_svc"

func (svc HttpService) Id() string {
	return HTTP_SVC
}

func (svc *HttpService) Configure(ctx *context.Context) error {
	if port := os.Getenv("HTTP_PORT"); port != "" {
		var err error
		if svc.port, err = strconv.Atoi(port); err != nil {
			return err
		}
	} else {
		svc.port = 8000
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *HttpService) Start() error {
	svc.admissionSvc = svc.Service(ADMISSION_SVC).(*AdmissionService)
	svc.rateLimitSvc = svc.Service(RATE_LIMIT_SVC).(*RateLimitService)
	svc.jwtSvc = svc.Service(JWT_SVC).(*JWTService)
	svc.authSvc = svc.Service(AUTH_MIDDLEWARE_SVC).(*AuthMiddleware)
	svc.monitoringSvc = svc.Service(MONITORING_SVC).(*MonitoringService)

	app := fiber.New(fiber.Config{
		ErrorHandler: svc.handleError,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Device-Fingerprint",
	}))
	app.Use(MonitoringMiddleware(svc.monitoringSvc))

	app.Get("/ping", svc.ping)
	app.Get("/health", svc.ping)

	admissionHandler := handlers.NewAdmissionHandler(svc.admissionSvc)
	adminHandler := handlers.NewAdminHandler(svc.admissionSvc, svc.rateLimitSvc.Limiter(), svc.jwtSvc)

	v1 := app.Group("/api/v1")

	preview := v1.Group("/preview")
	preview.Post("/check", svc.rateLimitSvc.Limit(shared.ClassFeed), admissionHandler.Check)
	preview.Post("/progress", svc.rateLimitSvc.Limit(shared.ClassPublic), admissionHandler.Progress)
	preview.Post("/terminate", svc.rateLimitSvc.Limit(shared.ClassPublic), admissionHandler.Terminate)

	admin := v1.Group("/admin")
	admin.Post("/login", svc.rateLimitSvc.Limit(shared.ClassAdmin), adminHandler.Login)
	admin.Get("/stats", svc.rateLimitSvc.Limit(shared.ClassAdmin), svc.authSvc.RequiredAdmin(), adminHandler.Stats)
	admin.Post("/reset", svc.rateLimitSvc.Limit(shared.ClassAdmin), svc.authSvc.RequiredAdmin(), adminHandler.ResetIdentity)
	admin.Delete("/ratelimits/:class/:identity", svc.rateLimitSvc.Limit(shared.ClassAdmin), svc.authSvc.RequiredAdmin(), adminHandler.ResetRateLimit)

	app.Use(func(c *fiber.Ctx) error {
		return shared.ResponseNotFound(c)
	})

	svc.server = app
	return app.Listen(fmt.Sprintf(":%v", svc.port))
}

func (svc *HttpService) Shutdown() {
	if svc.server != nil {
		_ = svc.server.Shutdown()
	}
}

// @Summary Ping
// @Description This endpoint checks the health of the service
// @Tags health
// @Accept  json
// @Produce json
// @Success 200 {object} shared.Response{data=string}
// @Router /ping [get]
func (svc *HttpService) ping(c *fiber.Ctx) error {
	c.Set("Cache-Control", "max-age=10")
	return shared.ResponseJSON(c, http.StatusOK, "Success", "pong")
}

// handleError keeps every failure structured: AppErrors render their own
// status and taxonomy code, anything else collapses to a generic 500.
func (svc *HttpService) handleError(c *fiber.Ctx, err error) error {
	if err == nil {
		return nil
	}

	if appErr, ok := shared.GetAppError(err); ok {
		return shared.ResponseJSON(c, appErr.StatusCode, appErr.Message, appErr.Data)
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return shared.ResponseJSON(c, fiberErr.Code, fiberErr.Message, nil)
	}

	return shared.ResponseInternalError(c, err)
}
