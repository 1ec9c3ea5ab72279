package main

import (
	"github.com/firstpeek/peek_api/services"

	"github.com/alphabatem/common/context"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Warn().Err(err).Msg("No .env file loaded")
	}

	ctx, err := context.NewCtx(
		&services.PostgresService{},
		&services.RedisService{},
		&services.IdentityStoreService{},
		&services.GeoLookupService{},
		&services.RateLimitService{},
		&services.JWTService{},
		&services.AuthMiddleware{},
		&services.AdmissionService{},
		&services.MonitoringService{},

		&services.HttpService{},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build service context")
		return
	}

	err = ctx.Run()
	if err != nil {
		log.Fatal().Err(err).Msg("Service context exited")
		return
	}
}
