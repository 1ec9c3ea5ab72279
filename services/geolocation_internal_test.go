package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scriptedServer(t *testing.T, status int, body string) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestLookupWithKey_SkipReasons(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		reason keySkipReason
	}{
		{"http unauthorized", http.StatusUnauthorized, "", skipAuth},
		{"http forbidden", http.StatusForbidden, "", skipAuth},
		{"http too many requests", http.StatusTooManyRequests, "", skipQuota},
		{"http payment required", http.StatusPaymentRequired, "", skipQuota},
		{"http server error", http.StatusBadGateway, "", skipMalformed},
		{"invalid key payload", http.StatusOK, `{"error":{"error_code":10001,"error_message":"Invalid API key."}}`, skipAuth},
		{"permission payload", http.StatusOK, `{"error":{"error_code":10005,"error_message":"Insufficient permission to access the field."}}`, skipAuth},
		{"quota payload", http.StatusOK, `{"error":{"error_code":10003,"error_message":"Query limit exceeded."}}`, skipQuota},
		{"missing country", http.StatusOK, `{"ip":"203.0.113.70"}`, skipMalformed},
		{"broken json", http.StatusOK, `{`, skipMalformed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := scriptedServer(t, tc.status, tc.body)
			svc := NewGeoLookupClient(server.URL, []string{"k1"}, nil)

			result, reason, err := svc.lookupWithKey(context.Background(), "203.0.113.70", "k1")

			require.Error(t, err)
			assert.Nil(t, result)
			assert.Equal(t, tc.reason, reason)
		})
	}
}
