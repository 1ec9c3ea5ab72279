package services_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/firstpeek/peek_api/services"
)

func TestMonitoringServiceStart_ReturnsWithoutBlocking(t *testing.T) {
	t.Setenv("PROMETHEUS_PORT", "0")

	svc := &services.MonitoringService{}

	done := make(chan error, 1)
	go func() { done <- svc.Start() }()

	// Start must hand control back to the container so the services
	// registered after it (the admission HTTP server) can come up.
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start blocked on the metrics listener")
	}

	svc.Shutdown()
}
