package dto

// AdmissionCheckRequest is the body of POST /api/v1/preview/check. The
// visitor identity is always derived from the connection, never from the
// body; the client only contributes its fingerprint and durable ended marker.
type AdmissionCheckRequest struct {
	Fingerprint string `json:"fingerprint,omitempty" validate:"omitempty,max=128"`
	EndedMarker bool   `json:"ended_marker"`
}

func (r AdmissionCheckRequest) Validate() error {
	return GetValidator().Struct(r)
}

// AdmissionCheckResponse mirrors the admission endpoint contract: either
// {status: ok, remaining_seconds} or {status: blocked, reason}.
type AdmissionCheckResponse struct {
	Status           string `json:"status"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Message          string `json:"message,omitempty"`
}

type ProgressRequest struct {
	SecondsElapsed int    `json:"seconds_elapsed" validate:"required,min=1"`
	Trigger        string `json:"trigger" validate:"required,oneof=threshold periodic unload"`
}

func (r ProgressRequest) Validate() error {
	return GetValidator().Struct(r)
}

type TerminateResponse struct {
	Marker string `json:"marker"`
}

type AdminResetRequest struct {
	Identity    string `json:"identity" validate:"required_without=Fingerprint,omitempty,max=64"`
	Fingerprint string `json:"fingerprint" validate:"omitempty,max=128"`
}

func (r AdminResetRequest) Validate() error {
	return GetValidator().Struct(r)
}

type AdminStatsResponse struct {
	Identities interface{} `json:"identities"`
	RateLimits interface{} `json:"rate_limits"`
}
