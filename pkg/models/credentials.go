package models

import "time"

// CredentialPair is an access token plus its refresh token, issued together.
// The refresh token is single-use: a successful refresh rotates the pair.
type CredentialPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// AccountIdentity is the verified identity carried by an access token.
type AccountIdentity struct {
	AccountID string
	Tier      string
	TokenID   string
	IssuedAt  time.Time
}
