package types

import "time"

// User represents a marketplace account.
// Identity fields (Username, Email) are immutable after registration;
// profile fields may change. Users are never deleted, only disabled.
type User struct {
	// ID is the unique identifier of the user.
	ID int `json:"id" db:"id"`

	// Username is the unique login name chosen by the user.
	Username string `json:"username" db:"username"`

	// Email is the user's unique email address.
	Email string `json:"email" db:"email"`

	// FirstName is the optional given name of the user.
	FirstName string `json:"firstName,omitempty" db:"first_name"`

	// LastName is the optional family name of the user.
	LastName string `json:"lastName,omitempty" db:"last_name"`

	// Company is the optional organization the user buys data for.
	Company string `json:"company,omitempty" db:"company"`

	// Role indicates the user's authorization level
	// within the system (e.g., "admin", "user").
	Role string `json:"role" db:"role"`

	// Disabled marks a soft-disabled account. Disabled users cannot
	// authenticate but their purchases remain on the ledger.
	Disabled bool `json:"disabled" db:"disabled"`

	// PasswordHash stores the bcrypt hash of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// APIKeyHash stores the hex SHA-256 of the user's API key, if one was
	// issued. The plain key is shown exactly once, when it is created.
	APIKeyHash string `json:"-" db:"api_key_hash"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// HasAPIKey reports whether an API key was issued for the user.
func (u User) HasAPIKey() bool {
	return u.APIKeyHash != ""
}
