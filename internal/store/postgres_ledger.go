/**
 * @description
 * This file contains the atomic balance mutations of the PostgreSQL
 * repository. Every path that changes an account balance goes through one of
 * these methods, each of which runs a single database transaction that locks
 * the affected account rows, validates invariants against the locked state,
 * applies the mutation, and appends the ledger entry. A failure at any step
 * rolls the whole transaction back.
 *
 * @notes
 * - Balances never go negative: debits are validated against the locked
 *   balance, and a CHECK constraint on accounts.balance backstops the code.
 * - The frozen/inactive flags gate debits only. Credits always land, so an
 *   incoming transfer leg, a loan disbursement, or an M-Pesa settlement
 *   succeeds even while the receiving account is frozen.
 * - TransferAtomic locks both accounts in primary-key order so two opposing
 *   transfers cannot deadlock.
 * - CompleteMpesaDepositAtomic settles the deposit record and credits the
 *   wallet in the same transaction, keyed on the checkout request id; a
 *   duplicate callback finds the record already settled and changes nothing.
 */

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/smartbank/wallet-service/internal/domain"
)

// lockAccountByUserID selects a user's account row FOR UPDATE within tx.
func lockAccountByUserID(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1 FOR UPDATE`
	return scanAccount(tx.QueryRow(ctx, query, userID))
}

// checkAccountUsable rejects debits against frozen or deactivated accounts.
// Called with the account row already locked, and only on the debit side of a
// mutation: credits are never gated on these flags.
func checkAccountUsable(account *domain.Account) error {
	if !account.IsActive {
		return ErrAccountInactive
	}
	if account.IsFrozen {
		return ErrAccountFrozen
	}
	return nil
}

// mutateBalanceTx applies a signed delta to an already-locked account and
// returns the new balance. The caller owns entry insertion and commit.
func mutateBalanceTx(ctx context.Context, tx pgx.Tx, account *domain.Account, delta int64) (int64, error) {
	if delta < 0 && account.Balance+delta < 0 {
		return 0, ErrInsufficientFunds
	}

	var newBalance int64
	query := `UPDATE accounts SET balance = balance + $1 WHERE id = $2 RETURNING balance`
	if err := tx.QueryRow(ctx, query, delta, account.ID).Scan(&newBalance); err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}
	return newBalance, nil
}

// insertEntryTx appends a completed ledger entry within tx. Exactly one of
// sender/recipient is set for top-ups and withdrawals; both for transfers.
func insertEntryTx(ctx context.Context, tx pgx.Tx, entry *domain.TransactionEntry) error {
	query := `
		INSERT INTO transaction_entries
			(id, type, status, amount, sender_account_id, recipient_account_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.Exec(ctx, query,
		entry.ID, entry.Type, entry.Status, entry.Amount,
		entry.SenderAccountID, entry.RecipientAccountID, entry.Description, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// ApplyBalanceDelta is the single-account balance mutator behind top-ups and
// withdrawals. It locks the user's account, validates the delta against the
// locked balance, applies it, and appends the ledger entry, all in one
// transaction. Returns the new balance and the appended entry.
func (r *PostgresRepository) ApplyBalanceDelta(ctx context.Context, userID uuid.UUID, delta int64, meta domain.EntryMeta) (int64, *domain.TransactionEntry, error) {
	if delta == 0 {
		return 0, nil, ErrInvalidAmount
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the account row; debits additionally require a usable account.
	account, err := lockAccountByUserID(ctx, tx, userID)
	if err != nil {
		return 0, nil, err
	}
	if delta < 0 {
		if err := checkAccountUsable(account); err != nil {
			return 0, nil, err
		}
	}

	// 2. Apply the delta against the locked balance.
	newBalance, err := mutateBalanceTx(ctx, tx, account, delta)
	if err != nil {
		return 0, nil, err
	}

	// 3. Append the ledger entry.
	amount := delta
	if amount < 0 {
		amount = -amount
	}
	entry := &domain.TransactionEntry{
		ID:          uuid.New(),
		Type:        meta.Type,
		Status:      domain.EntryStatusCompleted,
		Amount:      amount,
		Description: meta.Description,
		CreatedAt:   time.Now().UTC(),
	}
	if delta > 0 {
		entry.RecipientAccountID = &account.ID
	} else {
		entry.SenderAccountID = &account.ID
	}
	if err := insertEntryTx(ctx, tx, entry); err != nil {
		return 0, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newBalance, entry, nil
}

// TransferAtomic moves amount between two accounts as a single dual-entry
// ledger row: debit and credit either both happen or neither does. Both rows
// are locked in primary-key order to avoid deadlocks between opposing
// transfers.
func (r *PostgresRepository) TransferAtomic(ctx context.Context, senderAccountID, recipientAccountID uuid.UUID, amount int64, description string) (*domain.TransactionEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock both account rows in id order.
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id IN ($1, $2) ORDER BY id FOR UPDATE`
	rows, err := tx.Query(ctx, query, senderAccountID, recipientAccountID)
	if err != nil {
		return nil, err
	}
	locked := make(map[uuid.UUID]*domain.Account, 2)
	for rows.Next() {
		var account domain.Account
		err := rows.Scan(
			&account.ID,
			&account.UserID,
			&account.AccountNumber,
			&account.Balance,
			&account.IsActive,
			&account.IsFrozen,
			&account.CreatedAt,
		)
		if err != nil {
			rows.Close()
			return nil, err
		}
		locked[account.ID] = &account
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sender, ok := locked[senderAccountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	recipient, ok := locked[recipientAccountID]
	if !ok {
		return nil, ErrAccountNotFound
	}

	// 2. Validate the debit side against the locked state.
	if err := checkAccountUsable(sender); err != nil {
		return nil, err
	}
	if sender.Balance < amount {
		return nil, ErrInsufficientFunds
	}

	// 3. Debit sender, credit recipient.
	if _, err := mutateBalanceTx(ctx, tx, sender, -amount); err != nil {
		return nil, err
	}
	if _, err := mutateBalanceTx(ctx, tx, recipient, amount); err != nil {
		return nil, err
	}

	// 4. Append the dual-entry ledger row.
	entry := &domain.TransactionEntry{
		ID:                 uuid.New(),
		Type:               domain.EntryTypeTransfer,
		Status:             domain.EntryStatusCompleted,
		Amount:             amount,
		SenderAccountID:    &sender.ID,
		RecipientAccountID: &recipient.ID,
		Description:        description,
		CreatedAt:          time.Now().UTC(),
	}
	if err := insertEntryTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, nil
}

// ApproveLoanAtomic persists an approved loan and disburses its principal in
// one transaction. A partial unique index on loans (user_id WHERE status =
// 'approved') backstops the one-outstanding-loan rule against races.
func (r *PostgresRepository) ApproveLoanAtomic(ctx context.Context, loan *domain.Loan) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the borrower's account.
	account, err := lockAccountByUserID(ctx, tx, loan.UserID)
	if err != nil {
		return err
	}

	// 2. Reject if an approved loan is already outstanding.
	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM loans WHERE user_id = $1 AND status = 'approved')`,
		loan.UserID,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return ErrActiveLoanExists
	}

	// 3. Insert the loan record.
	_, err = tx.Exec(ctx, `
		INSERT INTO loans
			(id, user_id, principal, interest_rate, total_due, status, score, applied_at, due_date, due_noticed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)
	`, loan.ID, loan.UserID, loan.Principal, loan.InterestRate, loan.TotalDue,
		loan.Status, loan.Score, loan.AppliedAt, loan.DueDate)
	if err != nil {
		return fmt.Errorf("failed to insert loan: %w", err)
	}

	// 4. Disburse the principal and append the ledger entry.
	if _, err := mutateBalanceTx(ctx, tx, account, loan.Principal); err != nil {
		return err
	}
	entry := &domain.TransactionEntry{
		ID:                 uuid.New(),
		Type:               domain.EntryTypeTopUp,
		Status:             domain.EntryStatusCompleted,
		Amount:             loan.Principal,
		RecipientAccountID: &account.ID,
		Description:        "Loan disbursement",
		CreatedAt:          time.Now().UTC(),
	}
	if err := insertEntryTx(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RepayLoanAtomic settles an approved loan in full: it debits the frozen
// total due from the borrower's wallet and marks the loan repaid, in one
// transaction. Partial repayments are not supported.
func (r *PostgresRepository) RepayLoanAtomic(ctx context.Context, userID, loanID uuid.UUID) (*domain.Loan, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the loan row and validate it is repayable.
	loanQuery := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1 AND user_id = $2 FOR UPDATE`
	loan, err := scanLoan(tx.QueryRow(ctx, loanQuery, loanID, userID))
	if err != nil {
		return nil, err
	}
	if loan.Status != domain.LoanStatusApproved {
		return nil, ErrLoanNotRepayable
	}

	// 2. Lock the borrower's account and debit the frozen total due.
	account, err := lockAccountByUserID(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := checkAccountUsable(account); err != nil {
		return nil, err
	}
	if _, err := mutateBalanceTx(ctx, tx, account, -loan.TotalDue); err != nil {
		return nil, err
	}

	// 3. Mark the loan repaid.
	result, err := tx.Exec(ctx, `UPDATE loans SET status = 'repaid' WHERE id = $1 AND status = 'approved'`, loan.ID)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected() == 0 {
		return nil, ErrLoanNotRepayable
	}

	// 4. Append the repayment ledger entry.
	entry := &domain.TransactionEntry{
		ID:              uuid.New(),
		Type:            domain.EntryTypeWithdraw,
		Status:          domain.EntryStatusCompleted,
		Amount:          loan.TotalDue,
		SenderAccountID: &account.ID,
		Description:     "Loan repayment",
		CreatedAt:       time.Now().UTC(),
	}
	if err := insertEntryTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	loan.Status = domain.LoanStatusRepaid
	return loan, nil
}

// CompleteMpesaDepositAtomic settles a successful STK callback: it marks the
// deposit record completed and credits the user's wallet in one transaction.
// A record that is no longer pending is returned as-is with no mutation, so
// duplicate callbacks credit at most once.
func (r *PostgresRepository) CompleteMpesaDepositAtomic(ctx context.Context, checkoutRequestID, receiptNumber string, resultCode int, resultDesc string) (*domain.MpesaTransaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the deposit record by its correlation id.
	query := `SELECT ` + mpesaColumns + ` FROM mpesa_transactions WHERE checkout_request_id = $1 FOR UPDATE`
	mt, err := scanMpesaTransaction(tx.QueryRow(ctx, query, strings.TrimSpace(checkoutRequestID)))
	if err != nil {
		return nil, err
	}

	// 2. Already settled: duplicate callback, nothing to do.
	if mt.Status != domain.MpesaStatusPending {
		return mt, nil
	}

	// 3. Mark the record completed.
	_, err = tx.Exec(ctx, `
		UPDATE mpesa_transactions
		SET status = 'completed', mpesa_receipt_number = $2, result_code = $3, result_desc = $4, updated_at = NOW()
		WHERE id = $1
	`, mt.ID, receiptNumber, resultCode, resultDesc)
	if err != nil {
		return nil, fmt.Errorf("failed to settle mpesa transaction: %w", err)
	}

	// 4. Credit the wallet and append the ledger entry. The credit lands even
	// on a frozen account so a settled gateway payment is never stranded.
	account, err := lockAccountByUserID(ctx, tx, mt.UserID)
	if err != nil {
		return nil, err
	}
	if _, err := mutateBalanceTx(ctx, tx, account, mt.Amount); err != nil {
		return nil, err
	}
	entry := &domain.TransactionEntry{
		ID:                 uuid.New(),
		Type:               domain.EntryTypeTopUp,
		Status:             domain.EntryStatusCompleted,
		Amount:             mt.Amount,
		RecipientAccountID: &account.ID,
		Description:        "M-Pesa deposit " + receiptNumber,
		CreatedAt:          time.Now().UTC(),
	}
	if err := insertEntryTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	mt.Status = domain.MpesaStatusCompleted
	mt.MpesaReceiptNumber = receiptNumber
	mt.ResultCode = &resultCode
	mt.ResultDesc = resultDesc
	return mt, nil
}
