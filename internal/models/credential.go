package models

import "time"

// Credential is a portal session token. It is owned by the session provider.
type Credential struct {
	PortalID string    `json:"portalId"`
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issuedAt"`
}

func (c Credential) Age(now time.Time) time.Duration {
	return now.Sub(c.IssuedAt)
}
