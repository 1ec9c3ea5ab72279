package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/firstpeek/peek_api/dto"
	"github.com/firstpeek/peek_api/shared"
)

type AdmissionHandler struct {
	admissionSvc AdmissionServiceInterface
}

func NewAdmissionHandler(admissionSvc AdmissionServiceInterface) *AdmissionHandler {
	return &AdmissionHandler{admissionSvc: admissionSvc}
}

func clientIdentity(c *fiber.Ctx) string {
	if identity, ok := c.Locals(shared.ClientIdentity).(string); ok && identity != "" {
		return identity
	}
	return c.IP()
}

// @Summary Check Admission
// @Description Decides whether the requesting identity may start (or resume) its one-time preview
// @Tags preview
// @Accept  json
// @Produce json
// @Param admissionCheckRequest body dto.AdmissionCheckRequest true "Admission check request"
// @Success 200 {object} shared.Response{data=dto.AdmissionCheckResponse}
// @Router /api/v1/preview/check [post]
func (h *AdmissionHandler) Check(c *fiber.Ctx) error {
	var req dto.AdmissionCheckRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return shared.NewBadRequestError(err, "Invalid request")
		}
		if err := req.Validate(); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.CreateValidationErrorResponse(err))
		}
	}

	decision := h.admissionSvc.CheckAdmission(c.Context(), clientIdentity(c), req.Fingerprint, req.EndedMarker)

	resp := dto.AdmissionCheckResponse{
		Status:           decision.Status,
		RemainingSeconds: decision.RemainingSeconds,
		Reason:           decision.Reason,
	}
	if decision.Reason != "" {
		resp.Message = shared.DenialMessage(decision.Reason)
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", resp)
}

// @Summary Report Progress
// @Description Records consumed preview time; safe for fire-and-forget delivery on page unload
// @Tags preview
// @Accept  json
// @Produce json
// @Param progressRequest body dto.ProgressRequest true "Progress report"
// @Success 200
// @Router /api/v1/preview/progress [post]
func (h *AdmissionHandler) Progress(c *fiber.Ctx) error {
	var req dto.ProgressRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.NewBadRequestError(err, "Invalid request")
	}

	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.CreateValidationErrorResponse(err))
	}

	if err := h.admissionSvc.RecordProgress(clientIdentity(c), req.SecondsElapsed, req.Trigger); err != nil {
		return err
	}

	// Fire-and-forget callers never read this body; an empty success is all
	// the contract requires.
	return shared.ResponseJSON(c, fiber.StatusOK, "Success", nil)
}

// @Summary Terminate Preview
// @Description Idempotently marks the identity's preview as used
// @Tags preview
// @Accept  json
// @Produce json
// @Success 200 {object} shared.Response{data=dto.TerminateResponse}
// @Router /api/v1/preview/terminate [post]
func (h *AdmissionHandler) Terminate(c *fiber.Ctx) error {
	if err := h.admissionSvc.Terminate(clientIdentity(c)); err != nil {
		return err
	}

	// The marker instructs the browser to persist its own durable
	// "preview ended" flag so a store outage cannot re-admit it.
	return shared.ResponseJSON(c, fiber.StatusOK, "Success", dto.TerminateResponse{Marker: "ended"})
}
