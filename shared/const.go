package shared

const (
	UserID = "user_id"

	// Identity of the caller as resolved by the HTTP layer.
	ClientIdentity    = "client_identity"
	ClientFingerprint = "client_fingerprint"

	StatusOK      = "ok"
	StatusBlocked = "blocked"

	ReasonPreviewUsed       = "preview_used"
	ReasonVPNDetected       = "vpn_detected"
	ReasonVPNMaxRetries     = "vpn_max_retries"
	ReasonRestrictedCountry = "restricted_country"
	ReasonTransientError    = "transient_error"

	TriggerThreshold = "threshold"
	TriggerPeriodic  = "periodic"
	TriggerUnload    = "unload"

	// Rate limiter operation classes.
	ClassAdmin  = "admin"
	ClassPublic = "public"
	ClassIngest = "ingest"
	ClassFeed   = "feed"
)

// DenialMessages maps every blocked reason to a human readable explanation
// and a recommended next action. The engine never surfaces a reason outside
// this table.
var DenialMessages = map[string]string{
	ReasonPreviewUsed:       "Your free preview has already been used. Sign up to keep watching.",
	ReasonVPNDetected:       "A VPN connection was detected. Disconnect your VPN and try again.",
	ReasonVPNMaxRetries:     "Too many VPN attempts. Wait for the cooldown to expire before retrying.",
	ReasonRestrictedCountry: "The preview is not available in your region.",
	ReasonTransientError:    "Something went wrong on our side. Please try again in a moment.",
}

func DenialMessage(reason string) string {
	if msg, ok := DenialMessages[reason]; ok {
		return msg
	}
	return DenialMessages[ReasonTransientError]
}
