package auth

import "time"

// State is the process-wide authentication snapshot.
// Invariant: IsAuthenticated implies Token is non-empty and ExpiresAt is set.
type State struct {
	IsAuthenticated bool
	Token           string
	ExpiresAt       time.Time // zero when unauthenticated
	TenantID        string
}

// Partial is a partial state update; nil fields are left unchanged.
type Partial struct {
	Token     *string
	ExpiresAt *time.Time
	TenantID  *string
}

// Token is an access token with its expiry, as issued by the credential
// collaborator.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// merge applies p to s and reports whether token or tenant identity changed.
func (s *State) merge(p Partial) (identityChanged bool) {
	if p.Token != nil && *p.Token != s.Token {
		s.Token = *p.Token
		identityChanged = true
	}
	if p.ExpiresAt != nil {
		s.ExpiresAt = *p.ExpiresAt
	}
	if p.TenantID != nil && *p.TenantID != s.TenantID {
		s.TenantID = *p.TenantID
		identityChanged = true
	}
	s.IsAuthenticated = s.Token != "" && !s.ExpiresAt.IsZero()
	return identityChanged
}

// ptr helpers for building Partial values.

// Str returns a *string for use in Partial.
func Str(s string) *string { return &s }

// Time returns a *time.Time for use in Partial.
func Time(t time.Time) *time.Time { return &t }
