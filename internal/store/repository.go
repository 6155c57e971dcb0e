/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the wallet-service. By defining
 * an interface, we decouple the ledger's business logic from the specific
 * database implementation (PostgreSQL), making the code modular and easy to
 * test against fakes.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/smartbank/wallet-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
//
// The three *Atomic methods and ApplyBalanceDelta are the only writers of
// account balance state. Each one executes its read-validate-mutate-append
// sequence inside a single database transaction with the affected account
// rows locked, so callers never observe a partially applied mutation.
type Repository interface {
	// Account methods
	CreateAccount(ctx context.Context, userID uuid.UUID, accountNumber string) (*domain.Account, error)
	FindAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error)
	FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error)
	SetAccountFrozen(ctx context.Context, userID uuid.UUID, frozen bool) error
	FindProfileByUserID(ctx context.Context, userID uuid.UUID) (*domain.Profile, error)

	// Transfer PIN methods
	UpsertTransferPIN(ctx context.Context, userID uuid.UUID, pinHash string) error
	GetTransferPINCredential(ctx context.Context, userID uuid.UUID) (*domain.TransferPINCredential, error)
	RecordFailedTransferPINAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutDurationSeconds int) (*domain.TransferPINCredential, error)
	ResetTransferPINFailureState(ctx context.Context, userID uuid.UUID) error

	// Ledger methods
	ApplyBalanceDelta(ctx context.Context, userID uuid.UUID, delta int64, meta domain.EntryMeta) (int64, *domain.TransactionEntry, error)
	TransferAtomic(ctx context.Context, senderAccountID, recipientAccountID uuid.UUID, amount int64, description string) (*domain.TransactionEntry, error)
	ListEntries(ctx context.Context, userID uuid.UUID, filter domain.EntryFilter) ([]domain.TransactionEntry, error)
	ListStatementEntries(ctx context.Context, userID uuid.UUID, period domain.StatementPeriod) ([]domain.TransactionEntry, error)
	NetEntryDeltaSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error)
	CountCompletedEntries(ctx context.Context, userID uuid.UUID) (int, error)

	// Loan methods
	FindLoanByID(ctx context.Context, loanID, userID uuid.UUID) (*domain.Loan, error)
	FindApprovedLoanByUserID(ctx context.Context, userID uuid.UUID) (*domain.Loan, error)
	ListLoansByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Loan, error)
	ApproveLoanAtomic(ctx context.Context, loan *domain.Loan) error
	RepayLoanAtomic(ctx context.Context, userID, loanID uuid.UUID) (*domain.Loan, error)
	FindLoansDueForNotice(ctx context.Context, asOf time.Time, limit int) ([]domain.Loan, error)
	MarkLoanDueNoticed(ctx context.Context, loanID uuid.UUID) error

	// M-Pesa methods
	CreateMpesaTransaction(ctx context.Context, mt *domain.MpesaTransaction) error
	FindMpesaTransactionByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.MpesaTransaction, error)
	CompleteMpesaDepositAtomic(ctx context.Context, checkoutRequestID, receiptNumber string, resultCode int, resultDesc string) (*domain.MpesaTransaction, error)
	FailMpesaTransaction(ctx context.Context, checkoutRequestID string, resultCode int, resultDesc string) error
}
