/**
 * @description
 * This file defines the event payloads the wallet-service publishes to
 * RabbitMQ after successful mutations. Delivery is fire-and-forget: the
 * notification dispatcher consumes these, and the ledger core never blocks on
 * or fails because of them.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the smartbank.events topic exchange.
const (
	EventTopUpCompleted        = "wallet.topup.completed"
	EventWithdrawCompleted     = "wallet.withdraw.completed"
	EventTransferCompleted     = "wallet.transfer.completed"
	EventLoanApproved          = "loan.approved"
	EventLoanDue               = "loan.due"
	EventMpesaDepositCompleted = "mpesa.deposit.completed"
)

// WalletEvent is published after a completed top-up, withdrawal, or transfer.
type WalletEvent struct {
	EntryID   uuid.UUID `json:"entry_id"`
	UserID    uuid.UUID `json:"user_id"`
	Type      string    `json:"type"`
	Amount    int64     `json:"amount"` // in cents
	Timestamp time.Time `json:"timestamp"`
}

// LoanEvent is published when a loan is approved or becomes due.
type LoanEvent struct {
	LoanID    uuid.UUID `json:"loan_id"`
	UserID    uuid.UUID `json:"user_id"`
	Principal int64     `json:"principal"`
	TotalDue  int64     `json:"total_due"`
	DueDate   time.Time `json:"due_date"`
	Timestamp time.Time `json:"timestamp"`
}

// MpesaDepositEvent is published after a successful callback reconciliation.
type MpesaDepositEvent struct {
	CheckoutRequestID  string    `json:"checkout_request_id"`
	UserID             uuid.UUID `json:"user_id"`
	Amount             int64     `json:"amount"`
	MpesaReceiptNumber string    `json:"mpesa_receipt_number"`
	Timestamp          time.Time `json:"timestamp"`
}
