package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/firstpeek/peek_api/dto"
	"github.com/firstpeek/peek_api/shared"
)

type AdminHandler struct {
	admissionSvc AdmissionServiceInterface
	rateLimits   RateLimitAdminInterface
	auth         AdminAuthInterface
}

func NewAdminHandler(admissionSvc AdmissionServiceInterface, rateLimits RateLimitAdminInterface, auth AdminAuthInterface) *AdminHandler {
	return &AdminHandler{
		admissionSvc: admissionSvc,
		rateLimits:   rateLimits,
		auth:         auth,
	}
}

// @Summary Admin Login
// @Description Exchanges the admin password for a bearer token
// @Tags admin
// @Accept  json
// @Produce json
// @Success 200
// @Router /api/v1/admin/login [post]
func (h *AdminHandler) Login(c *fiber.Ctx) error {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return shared.NewBadRequestError(err, "Invalid request")
	}

	token, err := h.auth.AdminLogin(req.Password)
	if err != nil {
		return shared.NewUnauthorizedError(err, "Invalid credentials")
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", fiber.Map{"token": token})
}

// @Summary Admission Stats
// @Description Aggregate identity-store and rate-limiter statistics
// @Tags admin
// @Produce json
// @Success 200 {object} shared.Response{data=dto.AdminStatsResponse}
// @Router /api/v1/admin/stats [get]
func (h *AdminHandler) Stats(c *fiber.Ctx) error {
	identityStats, err := h.admissionSvc.Stats()
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", dto.AdminStatsResponse{
		Identities: identityStats,
		RateLimits: h.rateLimits.Stats(),
	})
}

// @Summary Reset Identity
// @Description Clears the record(s) for an identity and/or fingerprint so it can be re-tested
// @Tags admin
// @Accept  json
// @Produce json
// @Param adminResetRequest body dto.AdminResetRequest true "Reset request"
// @Success 200
// @Router /api/v1/admin/reset [post]
func (h *AdminHandler) ResetIdentity(c *fiber.Ctx) error {
	var req dto.AdminResetRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.NewBadRequestError(err, "Invalid request")
	}

	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.CreateValidationErrorResponse(err))
	}

	removed, err := h.admissionSvc.Reset(req.Identity, req.Fingerprint)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", fiber.Map{"removed": removed})
}

// @Summary Reset Rate Limit
// @Description Removes the counter for one (operationClass, identity) pair
// @Tags admin
// @Produce json
// @Success 200
// @Router /api/v1/admin/ratelimits/{class}/{identity} [delete]
func (h *AdminHandler) ResetRateLimit(c *fiber.Ctx) error {
	class := c.Params("class")
	identity := c.Params("identity")

	if class == "" || identity == "" {
		return shared.NewBadRequestError(nil, "Missing class or identity")
	}

	h.rateLimits.Reset(class, identity)
	return shared.ResponseJSON(c, fiber.StatusOK, "Success", nil)
}
