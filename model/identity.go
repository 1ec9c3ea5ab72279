package model

import "time"

// IdentityRecord is the persistent enforcement record for one visitor
// identity. The primary key is the network address; Fingerprint associates a
// device across IP changes. PreviewUsed is terminal: once set it is never
// cleared except by an administrative reset.
type IdentityRecord struct {
	Identity     string    `json:"identity" gorm:"primaryKey;size:255"`
	Fingerprint  string    `json:"fingerprint,omitempty" gorm:"index;size:255"`
	PreviewUsed  bool      `json:"preview_used" gorm:"not null;default:false"`
	TimeConsumed int       `json:"time_consumed" gorm:"not null;default:0"` // seconds, capped at preview duration
	VpnAttempts  int       `json:"vpn_attempts" gorm:"not null;default:0"`
	VpnWindowEnd time.Time `json:"vpn_window_end"`
	CountryCode  string    `json:"country_code" gorm:"size:2"`
	SessionID    string    `json:"session_id" gorm:"size:36"`
	FirstSeen    time.Time `json:"first_seen" gorm:"not null"`
	LastSeen     time.Time `json:"last_seen" gorm:"not null;index"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"not null"`
}

// InVpnWindow reports whether the penalty window is still open at now.
func (r *IdentityRecord) InVpnWindow(now time.Time) bool {
	return now.Before(r.VpnWindowEnd)
}

// IdentityStats is the aggregate view exposed to the admin surface.
type IdentityStats struct {
	TotalRecords     int64 `json:"total_records"`
	PreviewsUsed     int64 `json:"previews_used"`
	ActiveVpnWindows int64 `json:"active_vpn_windows"`
}
