package models

import "time"

// Account represents a billable account in the service
type Account struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Tier         string    `json:"tier" db:"tier"`
	Status       string    `json:"status" db:"status"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Subscription tier constants
const (
	TierStarter      = "starter"
	TierProfessional = "professional"
	TierAgency       = "agency"
)

// Account status constants
const (
	AccountStatusActive    = "active"
	AccountStatusSuspended = "suspended"
	AccountStatusCanceled  = "canceled"
)

// ValidTier reports whether the given tier is one of the known tiers.
func ValidTier(tier string) bool {
	switch tier {
	case TierStarter, TierProfessional, TierAgency:
		return true
	}
	return false
}
