package handlers

import (
	"context"

	"github.com/firstpeek/peek_api/model"
)

type AdmissionServiceInterface interface {
	CheckAdmission(ctx context.Context, identity, fingerprint string, endedMarker bool) model.Decision
	RecordProgress(identity string, secondsElapsed int, trigger string) error
	Terminate(identity string) error
	Reset(identity, fingerprint string) (int64, error)
	Stats() (*model.IdentityStats, error)
}

type RateLimitAdminInterface interface {
	Stats() map[string]interface{}
	Reset(class, identity string)
}

type AdminAuthInterface interface {
	AdminLogin(password string) (string, error)
}
