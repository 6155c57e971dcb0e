/**
 * @description
 * This file defines the M-Pesa domain models: the pending-deposit record
 * created when an STK push is initiated, and the asynchronous callback payload
 * the Daraja gateway posts back to the service.
 *
 * @notes
 * - The checkout request id is the external correlation id; the gateway is the
 *   source of truth for its uniqueness, and reconciliation is keyed on it.
 * - Duplicate callbacks for the same checkout id must be tolerated without
 *   double-crediting: a second reconciliation of an already-settled record is
 *   a no-op success.
 */

package domain

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// M-Pesa transaction statuses.
const (
	MpesaStatusPending   = "pending"
	MpesaStatusCompleted = "completed"
	MpesaStatusFailed    = "failed"
	MpesaStatusCancelled = "cancelled"
)

// phonePattern matches the 2547XXXXXXXX / 2541XXXXXXXX form Daraja expects.
var phonePattern = regexp.MustCompile(`^254[17]\d{8}$`)

// ValidMpesaPhone reports whether phone is in the format Daraja accepts.
func ValidMpesaPhone(phone string) bool {
	return phonePattern.MatchString(phone)
}

// MpesaTransaction logs one STK push deposit from initiation through
// settlement. Maps directly to the `mpesa_transactions` table.
type MpesaTransaction struct {
	ID                 uuid.UUID `json:"id"`
	UserID             uuid.UUID `json:"user_id"`
	PhoneNumber        string    `json:"phone_number"` // 2547XXXXXXXX
	Amount             int64     `json:"amount"`       // in cents
	AccountReference   string    `json:"account_reference"`
	Description        string    `json:"description"`
	CheckoutRequestID  string    `json:"checkout_request_id"`
	MerchantRequestID  string    `json:"merchant_request_id,omitempty"`
	MpesaReceiptNumber string    `json:"mpesa_receipt_number,omitempty"`
	ResultCode         *int      `json:"result_code,omitempty"`
	ResultDesc         string    `json:"result_desc,omitempty"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// STKPushRequest is the DTO for initiating an M-Pesa deposit.
type STKPushRequest struct {
	Phone       string `json:"phone"` // 2547XXXXXXXX
	Amount      int64  `json:"amount"` // in cents
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

// STKCallback is the normalized shape of the asynchronous Daraja result the
// gateway posts to the callback webhook.
type STKCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	// Metadata items delivered with a successful push; the receipt number is
	// the one the reconciler extracts.
	MpesaReceiptNumber string
	TransactionDate    string
	PhoneNumber        string
}

// ReconcileOutcome summarizes what a callback reconciliation did.
type ReconcileOutcome struct {
	CheckoutRequestID string `json:"checkout_request_id"`
	Status            string `json:"status"`
	Credited          bool   `json:"credited"`
	Duplicate         bool   `json:"duplicate"`
}
