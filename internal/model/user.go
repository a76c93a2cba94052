// Package model defines the data structures used throughout the application.
package model

// UserRecord is a row from the user store, as returned by a lookup by email.
//
// WHY ID string?
// Stores disagree on the type of the primary key: the Flask-era table uses an
// auto-increment integer, seeded development databases use xid strings.
// database/sql converts integer columns into a string destination, so a
// string here covers both and matches what ends up in the "sub" claim.
//
// PasswordHash is the stored, self-describing hash (bcrypt, werkzeug or PHC).
// It must never be logged or serialized, hence the json:"-" tag.
type UserRecord struct {
	ID           string `json:"id"    db:"id"`
	Email        string `json:"email" db:"email"`
	PasswordHash string `json:"-"     db:"password"`
	Name         string `json:"name"  db:"name"`
}

// Identity is the result of a successful credential check.
// It only lives for the duration of the token request.
type Identity struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// IdentityFromRecord copies the identity fields out of a stored record.
func IdentityFromRecord(u *UserRecord) *Identity {
	return &Identity{
		Subject: u.ID,
		Email:   u.Email,
		Name:    u.Name,
	}
}
