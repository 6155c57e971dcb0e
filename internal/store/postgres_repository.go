/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface for everything except the atomic ledger mutations, which live in
 * postgres_ledger.go. It contains the SQL for accounts, profiles, transfer
 * PIN credentials, entry queries, loan queries, and M-Pesa records.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smartbank/wallet-service/internal/domain"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists for user")
	ErrAccountFrozen     = errors.New("account is frozen")
	ErrAccountInactive   = errors.New("account is inactive")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrProfileNotFound   = errors.New("profile not found")
	ErrTransferPINNotSet = errors.New("transfer pin not set")
	ErrLoanNotFound      = errors.New("loan not found")
	ErrLoanNotRepayable  = errors.New("loan is not repayable")
	ErrActiveLoanExists  = errors.New("an approved loan already exists")
	ErrCheckoutNotFound  = errors.New("checkout request not found")
	ErrDuplicateCheckout = errors.New("checkout request already recorded")
)

// uniqueViolationCode is the PostgreSQL error code for unique constraint
// violations, used to translate races on account/checkout creation.
const uniqueViolationCode = "23505"

// PostgresRepository is a concrete implementation of the Repository interface
// for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = `id, user_id, account_number, balance, is_active, is_frozen, created_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	err := row.Scan(
		&account.ID,
		&account.UserID,
		&account.AccountNumber,
		&account.Balance,
		&account.IsActive,
		&account.IsFrozen,
		&account.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// CreateAccount inserts a zero-balance wallet for a user. The operation is
// idempotent at the contract level: a second call for the same user surfaces
// ErrAccountExists and the caller treats the existing wallet as authoritative.
func (r *PostgresRepository) CreateAccount(ctx context.Context, userID uuid.UUID, accountNumber string) (*domain.Account, error) {
	query := `
		INSERT INTO accounts (id, user_id, account_number, balance, is_active, is_frozen, created_at)
		VALUES ($1, $2, $3, 0, true, false, NOW())
		RETURNING ` + accountColumns
	account, err := scanAccount(r.db.QueryRow(ctx, query, uuid.New(), userID, accountNumber))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return nil, ErrAccountExists
		}
		return nil, err
	}
	return account, nil
}

// FindAccountByUserID retrieves a user's wallet.
func (r *PostgresRepository) FindAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, userID))
}

// FindAccountByNumber retrieves a wallet by its immutable account number.
func (r *PostgresRepository) FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_number = $1`
	return scanAccount(r.db.QueryRow(ctx, query, strings.TrimSpace(accountNumber)))
}

// SetAccountFrozen flips the frozen flag on a user's wallet.
func (r *PostgresRepository) SetAccountFrozen(ctx context.Context, userID uuid.UUID, frozen bool) error {
	result, err := r.db.Exec(ctx, `UPDATE accounts SET is_frozen = $1 WHERE user_id = $2`, frozen, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// FindProfileByUserID retrieves the identity attributes the loan engine
// scores against.
func (r *PostgresRepository) FindProfileByUserID(ctx context.Context, userID uuid.UUID) (*domain.Profile, error) {
	var profile domain.Profile
	query := `
		SELECT user_id, COALESCE(phone_number, ''), COALESCE(national_id, ''), is_verified
		FROM profiles
		WHERE user_id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&profile.UserID,
		&profile.PhoneNumber,
		&profile.NationalID,
		&profile.IsVerified,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &profile, nil
}

// UpsertTransferPIN stores a new transfer PIN hash and clears any prior
// failure state.
func (r *PostgresRepository) UpsertTransferPIN(ctx context.Context, userID uuid.UUID, pinHash string) error {
	query := `
		INSERT INTO transfer_pin_credentials (user_id, transfer_pin_hash, failed_attempts, last_failed_at, locked_until)
		VALUES ($1, $2, 0, NULL, NULL)
		ON CONFLICT (user_id) DO UPDATE
		SET transfer_pin_hash = EXCLUDED.transfer_pin_hash,
		    failed_attempts = 0,
		    last_failed_at = NULL,
		    locked_until = NULL
	`
	_, err := r.db.Exec(ctx, query, userID, pinHash)
	return err
}

// GetTransferPINCredential returns transfer PIN security metadata for a user.
func (r *PostgresRepository) GetTransferPINCredential(ctx context.Context, userID uuid.UUID) (*domain.TransferPINCredential, error) {
	var credential domain.TransferPINCredential
	query := `
		SELECT user_id, transfer_pin_hash, failed_attempts, locked_until
		FROM transfer_pin_credentials
		WHERE user_id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&credential.UserID,
		&credential.TransferPINHash,
		&credential.FailedAttempts,
		&credential.LockedUntil,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferPINNotSet
		}
		return nil, err
	}
	if credential.TransferPINHash == "" {
		return nil, ErrTransferPINNotSet
	}

	return &credential, nil
}

// RecordFailedTransferPINAttempt atomically increments failed attempts and
// applies lockout once the configured maximum is reached. A counter whose
// lockout has already expired restarts at 1.
func (r *PostgresRepository) RecordFailedTransferPINAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutDurationSeconds int) (*domain.TransferPINCredential, error) {
	var credential domain.TransferPINCredential
	query := `
		UPDATE transfer_pin_credentials
		SET
			failed_attempts = CASE
				WHEN locked_until IS NOT NULL AND locked_until <= NOW() THEN 1
				ELSE failed_attempts + 1
			END,
			last_failed_at = NOW(),
			locked_until = CASE
				WHEN (
					CASE
						WHEN locked_until IS NOT NULL AND locked_until <= NOW() THEN 1
						ELSE failed_attempts + 1
					END
				) >= $2 THEN NOW() + ($3 * INTERVAL '1 second')
				ELSE NULL
			END
		WHERE user_id = $1
		RETURNING user_id, transfer_pin_hash, failed_attempts, locked_until
	`
	err := r.db.QueryRow(ctx, query, userID, maxAttempts, lockoutDurationSeconds).Scan(
		&credential.UserID,
		&credential.TransferPINHash,
		&credential.FailedAttempts,
		&credential.LockedUntil,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferPINNotSet
		}
		return nil, err
	}

	return &credential, nil
}

// ResetTransferPINFailureState clears failed-attempt counters after a
// successful PIN verification.
func (r *PostgresRepository) ResetTransferPINFailureState(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE transfer_pin_credentials
		SET failed_attempts = 0, last_failed_at = NULL, locked_until = NULL
		WHERE user_id = $1
	`
	result, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransferPINNotSet
	}
	return nil
}

const entryColumns = `id, type, status, amount, sender_account_id, recipient_account_id, COALESCE(description, ''), created_at`

func scanEntries(rows pgx.Rows) ([]domain.TransactionEntry, error) {
	defer rows.Close()

	var entries []domain.TransactionEntry
	for rows.Next() {
		var entry domain.TransactionEntry
		err := rows.Scan(
			&entry.ID,
			&entry.Type,
			&entry.Status,
			&entry.Amount,
			&entry.SenderAccountID,
			&entry.RecipientAccountID,
			&entry.Description,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListEntries retrieves a user's ledger entries, newest first, narrowed by
// the optional type/amount/date filters.
func (r *PostgresRepository) ListEntries(ctx context.Context, userID uuid.UUID, filter domain.EntryFilter) ([]domain.TransactionEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + entryColumns + `
		FROM transaction_entries e
		WHERE (
			e.sender_account_id = (SELECT id FROM accounts WHERE user_id = $1)
			OR e.recipient_account_id = (SELECT id FROM accounts WHERE user_id = $1)
		)
	`
	args := []interface{}{userID}

	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND e.type = $%d", len(args))
	}
	if filter.MinAmount > 0 {
		args = append(args, filter.MinAmount)
		query += fmt.Sprintf(" AND e.amount >= $%d", len(args))
	}
	if filter.MaxAmount > 0 {
		args = append(args, filter.MaxAmount)
		query += fmt.Sprintf(" AND e.amount <= $%d", len(args))
	}
	if !filter.StartDate.IsZero() {
		args = append(args, filter.StartDate)
		query += fmt.Sprintf(" AND e.created_at >= $%d", len(args))
	}
	if !filter.EndDate.IsZero() {
		args = append(args, filter.EndDate)
		query += fmt.Sprintf(" AND e.created_at <= $%d", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY e.created_at DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// ListStatementEntries retrieves a user's entries for one calendar month in
// chronological order, the shape the statement renderer consumes.
func (r *PostgresRepository) ListStatementEntries(ctx context.Context, userID uuid.UUID, period domain.StatementPeriod) ([]domain.TransactionEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM transaction_entries e
		WHERE (
			e.sender_account_id = (SELECT id FROM accounts WHERE user_id = $1)
			OR e.recipient_account_id = (SELECT id FROM accounts WHERE user_id = $1)
		)
		AND EXTRACT(MONTH FROM e.created_at) = $2
		AND EXTRACT(YEAR FROM e.created_at) = $3
		ORDER BY e.created_at ASC
	`
	rows, err := r.db.Query(ctx, query, userID, period.Month, period.Year)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// NetEntryDeltaSince returns the signed net effect on a user's balance of all
// completed entries created at or after since. The statement renderer
// subtracts it from the current balance to recover a historical closing
// balance.
func (r *PostgresRepository) NetEntryDeltaSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	var net int64
	query := `
		SELECT COALESCE(SUM(
			CASE
				WHEN e.recipient_account_id = a.id THEN e.amount
				WHEN e.sender_account_id = a.id THEN -e.amount
				ELSE 0
			END
		), 0)
		FROM transaction_entries e
		JOIN accounts a ON a.user_id = $1
		WHERE (e.sender_account_id = a.id OR e.recipient_account_id = a.id)
		AND e.status = 'completed'
		AND e.created_at >= $2
	`
	if err := r.db.QueryRow(ctx, query, userID, since).Scan(&net); err != nil {
		return 0, err
	}
	return net, nil
}

// CountCompletedEntries returns the number of completed entries a user
// participated in; the eligibility policy scores against it.
func (r *PostgresRepository) CountCompletedEntries(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	query := `
		SELECT COUNT(*)
		FROM transaction_entries e
		WHERE e.status = 'completed'
		AND (
			e.sender_account_id = (SELECT id FROM accounts WHERE user_id = $1)
			OR e.recipient_account_id = (SELECT id FROM accounts WHERE user_id = $1)
		)
	`
	if err := r.db.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

const loanColumns = `id, user_id, principal, interest_rate, total_due, status, score, applied_at, due_date`

func scanLoan(row pgx.Row) (*domain.Loan, error) {
	var loan domain.Loan
	err := row.Scan(
		&loan.ID,
		&loan.UserID,
		&loan.Principal,
		&loan.InterestRate,
		&loan.TotalDue,
		&loan.Status,
		&loan.Score,
		&loan.AppliedAt,
		&loan.DueDate,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	return &loan, nil
}

// FindLoanByID retrieves a specific loan owned by a user.
func (r *PostgresRepository) FindLoanByID(ctx context.Context, loanID, userID uuid.UUID) (*domain.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1 AND user_id = $2`
	return scanLoan(r.db.QueryRow(ctx, query, loanID, userID))
}

// FindApprovedLoanByUserID retrieves a user's outstanding approved loan, if
// any.
func (r *PostgresRepository) FindApprovedLoanByUserID(ctx context.Context, userID uuid.UUID) (*domain.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE user_id = $1 AND status = 'approved'`
	return scanLoan(r.db.QueryRow(ctx, query, userID))
}

// ListLoansByUserID retrieves all loans for a user, newest application first.
func (r *PostgresRepository) ListLoansByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE user_id = $1 ORDER BY applied_at DESC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []domain.Loan
	for rows.Next() {
		var loan domain.Loan
		err := rows.Scan(
			&loan.ID,
			&loan.UserID,
			&loan.Principal,
			&loan.InterestRate,
			&loan.TotalDue,
			&loan.Status,
			&loan.Score,
			&loan.AppliedAt,
			&loan.DueDate,
		)
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	return loans, rows.Err()
}

// FindLoansDueForNotice lists approved loans whose due date has passed and
// that have not had a due notice published yet.
func (r *PostgresRepository) FindLoansDueForNotice(ctx context.Context, asOf time.Time, limit int) ([]domain.Loan, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + loanColumns + `
		FROM loans
		WHERE status = 'approved' AND due_date <= $1 AND due_noticed = false
		ORDER BY due_date ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []domain.Loan
	for rows.Next() {
		var loan domain.Loan
		err := rows.Scan(
			&loan.ID,
			&loan.UserID,
			&loan.Principal,
			&loan.InterestRate,
			&loan.TotalDue,
			&loan.Status,
			&loan.Score,
			&loan.AppliedAt,
			&loan.DueDate,
		)
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	return loans, rows.Err()
}

// MarkLoanDueNoticed records that a due notice was published for a loan so
// the sweep does not emit it twice.
func (r *PostgresRepository) MarkLoanDueNoticed(ctx context.Context, loanID uuid.UUID) error {
	result, err := r.db.Exec(ctx, `UPDATE loans SET due_noticed = true WHERE id = $1`, loanID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrLoanNotFound
	}
	return nil
}

const mpesaColumns = `id, user_id, phone_number, amount, COALESCE(account_reference, ''), COALESCE(description, ''),
	checkout_request_id, COALESCE(merchant_request_id, ''), COALESCE(mpesa_receipt_number, ''),
	result_code, COALESCE(result_desc, ''), status, created_at, updated_at`

func scanMpesaTransaction(row pgx.Row) (*domain.MpesaTransaction, error) {
	var mt domain.MpesaTransaction
	err := row.Scan(
		&mt.ID,
		&mt.UserID,
		&mt.PhoneNumber,
		&mt.Amount,
		&mt.AccountReference,
		&mt.Description,
		&mt.CheckoutRequestID,
		&mt.MerchantRequestID,
		&mt.MpesaReceiptNumber,
		&mt.ResultCode,
		&mt.ResultDesc,
		&mt.Status,
		&mt.CreatedAt,
		&mt.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCheckoutNotFound
		}
		return nil, err
	}
	return &mt, nil
}

// CreateMpesaTransaction records a pending STK push deposit. The checkout
// request id is unique; the gateway owns its uniqueness.
func (r *PostgresRepository) CreateMpesaTransaction(ctx context.Context, mt *domain.MpesaTransaction) error {
	query := `
		INSERT INTO mpesa_transactions
			(id, user_id, phone_number, amount, account_reference, description,
			 checkout_request_id, merchant_request_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`
	_, err := r.db.Exec(ctx, query,
		mt.ID, mt.UserID, mt.PhoneNumber, mt.Amount, mt.AccountReference, mt.Description,
		mt.CheckoutRequestID, mt.MerchantRequestID, mt.Status,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateCheckout
		}
		return err
	}
	return nil
}

// FindMpesaTransactionByCheckoutID resolves a deposit record from the
// gateway's correlation id.
func (r *PostgresRepository) FindMpesaTransactionByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.MpesaTransaction, error) {
	query := `SELECT ` + mpesaColumns + ` FROM mpesa_transactions WHERE checkout_request_id = $1`
	return scanMpesaTransaction(r.db.QueryRow(ctx, query, strings.TrimSpace(checkoutRequestID)))
}

// FailMpesaTransaction marks a pending deposit failed, or cancelled for the
// user-cancelled result code. No balance mutation accompanies a failure.
// Settled records are left untouched so duplicate failure callbacks stay
// no-ops.
func (r *PostgresRepository) FailMpesaTransaction(ctx context.Context, checkoutRequestID string, resultCode int, resultDesc string) error {
	status := domain.MpesaStatusFailed
	if resultCode == 1032 {
		status = domain.MpesaStatusCancelled
	}
	query := `
		UPDATE mpesa_transactions
		SET status = $2, result_code = $3, result_desc = $4, updated_at = NOW()
		WHERE checkout_request_id = $1 AND status = 'pending'
	`
	_, err := r.db.Exec(ctx, query, strings.TrimSpace(checkoutRequestID), status, resultCode, resultDesc)
	return err
}
