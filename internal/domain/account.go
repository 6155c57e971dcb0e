/**
 * @description
 * This file defines the account (wallet) domain models for the wallet-service.
 * An account is the balance-bearing entity owned by a user; all balance state
 * lives here and is mutated exclusively through the store's ledger methods.
 *
 * @notes
 * - Amounts are stored as `int64` representing the value in cents (the
 *   smallest currency unit), which avoids floating-point inaccuracies with
 *   financial data.
 * - The account number is system-generated at creation time and immutable.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account represents a user's wallet. This struct maps directly to the
// `accounts` table in the database.
type Account struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"user_id"`
	AccountNumber string    `json:"account_number"`
	Balance       int64     `json:"balance"` // in cents
	IsActive      bool      `json:"is_active"`
	IsFrozen      bool      `json:"is_frozen"`
	CreatedAt     time.Time `json:"created_at"`
}

// Profile carries the identity attributes the loan engine scores against.
// Identity verification itself is owned by the upstream identity layer; the
// wallet-service only reads the outcome.
type Profile struct {
	UserID     uuid.UUID `json:"user_id"`
	PhoneNumber string   `json:"phone_number,omitempty"`
	NationalID  string   `json:"national_id,omitempty"`
	IsVerified  bool     `json:"is_verified"`
}

// TransferPINCredential stores server-owned transfer PIN security metadata.
// The PIN itself is never persisted, only a bcrypt hash of it.
type TransferPINCredential struct {
	UserID          uuid.UUID  `json:"user_id"`
	TransferPINHash string     `json:"-"`
	FailedAttempts  int        `json:"failed_attempts"`
	LockedUntil     *time.Time `json:"locked_until,omitempty"`
}

// Locked reports whether the credential is currently locked out.
func (c *TransferPINCredential) Locked(now time.Time) bool {
	return c.LockedUntil != nil && now.Before(*c.LockedUntil)
}

// SetTransferPinRequest is the DTO for setting or replacing a transfer PIN.
type SetTransferPinRequest struct {
	PIN string `json:"pin"`
}

// TopUpRequest is the DTO for wallet top-up API requests.
type TopUpRequest struct {
	Amount      int64  `json:"amount"` // in cents
	Description string `json:"description"`
}

// WithdrawRequest is the DTO for wallet withdrawal API requests.
type WithdrawRequest struct {
	Amount      int64  `json:"amount"` // in cents
	Description string `json:"description"`
}

// TransferRequest is the DTO for incoming wallet-to-wallet transfer requests.
type TransferRequest struct {
	RecipientAccountNumber string `json:"recipient_account_number"`
	Amount                 int64  `json:"amount"` // in cents
	Description            string `json:"description"`
	TransferPIN            string `json:"transfer_pin"`
}
