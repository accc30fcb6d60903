package model

import "time"

// Account represents a user record as stored in the `accounts` table.
// Nullable columns are modelled as pointers so that "absent" is
// distinguishable from the zero value. The json tags are omitted here
// because these structs are used internally by the repository and
// service layers; handlers define separate response types.
//
// Fields:
//  ID                  – primary key identifier of the account.
//  Username            – unique username, immutable after creation.
//  Email               – unique email address.
//  PasswordHash        – derived password digest. Nil for accounts created
//                        through the Google login bridge, which carry no password.
//  APIKey              – long-lived API key. Nil until the email is verified
//                        (or until lazy issuance through get-api-key).
//  Verified            – whether the email address has been confirmed.
//  Active              – whether the account may authenticate.
//  VerificationToken   – one-time email verification token. Present exactly
//                        while Verified is false; cleared on verification.
//  ResetToken          – one-time password reset token. Always paired with
//                        ResetTokenCreatedAt; the pair is set and cleared together.
//  ResetTokenCreatedAt – when the reset token was issued. The reset window
//                        is 15 minutes from this instant.
//  CreatedAt           – timestamp of creation. Unverified accounts older
//                        than 15 minutes are removed by the sweeper.
type Account struct {
	ID                  uint64     // accounts.id
	Username            string     // accounts.username
	Email               string     // accounts.email
	PasswordHash        *string    // accounts.password_hash (nullable)
	APIKey              *string    // accounts.api_key (nullable, unique when set)
	Verified            bool       // accounts.verified
	Active              bool       // accounts.active
	VerificationToken   *string    // accounts.verification_token (nullable, unique when set)
	ResetToken          *string    // accounts.reset_token (nullable, unique when set)
	ResetTokenCreatedAt *time.Time // accounts.reset_token_created_at (nullable)
	CreatedAt           time.Time  // accounts.created_at
}

// HasPassword reports whether the account can authenticate with a password.
// Google-bridge accounts have no password hash and must use the provider flow.
func (a *Account) HasPassword() bool {
	return a.PasswordHash != nil && *a.PasswordHash != ""
}

// CanUseAPIKeys reports whether the account is allowed to hold an API key.
func (a *Account) CanUseAPIKeys() bool {
	return a.Verified && a.Active
}
