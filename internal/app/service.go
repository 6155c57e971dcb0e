/**
 * @description
 * This file contains the core business logic for the wallet-service. The
 * `Service` struct orchestrates wallet operations, coordinating between the
 * database repository, the Daraja payment client, and the message broker.
 *
 * Key features:
 * - Account provisioning when an owner is created upstream.
 * - Top-ups, withdrawals, and PIN-gated wallet-to-wallet transfers.
 * - Monthly statements and filtered transaction history.
 * - Publishes events to RabbitMQ for asynchronous processing by the
 *   notification dispatcher; publishing never fails a request.
 *
 * @dependencies
 * - context, crypto/rand, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - golang.org/x/crypto/bcrypt: For transfer PIN hashing.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/darajaclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/smartbank/wallet-service/internal/config"
	"github.com/smartbank/wallet-service/internal/domain"
	"github.com/smartbank/wallet-service/internal/store"
	"github.com/smartbank/wallet-service/pkg/darajaclient"
	"github.com/smartbank/wallet-service/pkg/rabbitmq"
)

const (
	transferPINLength     = 4
	accountNumberLength   = 10
	accountCreateAttempts = 5
	publishTimeout        = 5 * time.Second
)

// Service provides the core business logic for the wallet ledger.
type Service struct {
	repo          store.Repository
	darajaClient  *darajaclient.Client
	eventProducer rabbitmq.Publisher
	scorePolicy   domain.ScorePolicy
	cfg           config.Config
}

// NewService creates a new wallet service instance. A nil score policy falls
// back to the default eligibility policy.
func NewService(repo store.Repository, daraja *darajaclient.Client, producer rabbitmq.Publisher, policy domain.ScorePolicy, cfg config.Config) *Service {
	if policy == nil {
		policy = domain.DefaultScorePolicy
	}
	return &Service{
		repo:          repo,
		darajaClient:  daraja,
		eventProducer: producer,
		scorePolicy:   policy,
		cfg:           cfg,
	}
}

// publishEvent delivers a notification event on the configured topic
// exchange. Fire-and-forget: failures are logged and never propagate.
func (s *Service) publishEvent(routingKey string, body interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.eventProducer.Publish(ctx, s.cfg.EventExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" routing_key=%s error=%q", routingKey, err)
	}
}

// generateAccountNumber produces a random 10-digit account number with a
// non-zero leading digit.
func generateAccountNumber() (string, error) {
	digits := make([]byte, accountNumberLength)
	for i := range digits {
		max := big.NewInt(10)
		if i == 0 {
			max = big.NewInt(9)
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate account number: %w", err)
		}
		d := n.Int64()
		if i == 0 {
			d++ // shift first digit into 1..9
		}
		digits[i] = byte('0' + d)
	}
	return string(digits), nil
}

// OnOwnerCreated provisions a zero-balance wallet for a newly created owner.
// Idempotent: if the owner already has a wallet, the existing one is returned
// unchanged.
func (s *Service) OnOwnerCreated(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	// 1. Fast path: wallet already exists.
	if account, err := s.repo.FindAccountByUserID(ctx, userID); err == nil {
		return account, nil
	} else if !errors.Is(err, store.ErrAccountNotFound) {
		return nil, err
	}

	// 2. Create with a fresh account number, retrying on number collisions.
	for attempt := 0; attempt < accountCreateAttempts; attempt++ {
		number, err := generateAccountNumber()
		if err != nil {
			return nil, err
		}
		account, err := s.repo.CreateAccount(ctx, userID, number)
		if err == nil {
			log.Printf("level=info component=service msg=\"account provisioned\" user_id=%s account_number=%s", userID, number)
			return account, nil
		}
		if errors.Is(err, store.ErrAccountExists) {
			// Lost a race with a concurrent provisioning call for the same
			// user, or collided on the generated number. Resolve by re-read.
			if existing, findErr := s.repo.FindAccountByUserID(ctx, userID); findErr == nil {
				return existing, nil
			}
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("failed to provision account for user %s", userID)
}

// GetAccount returns a user's wallet.
func (s *Service) GetAccount(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	return s.repo.FindAccountByUserID(ctx, userID)
}

// SetAccountFrozen freezes or unfreezes a user's wallet. Frozen wallets
// reject debits until unfrozen; credits still land.
func (s *Service) SetAccountFrozen(ctx context.Context, userID uuid.UUID, frozen bool) error {
	if err := s.repo.SetAccountFrozen(ctx, userID, frozen); err != nil {
		return err
	}
	log.Printf("level=info component=service msg=\"account freeze state changed\" user_id=%s frozen=%t", userID, frozen)
	return nil
}

// validPINFormat reports whether pin is exactly four ASCII digits.
func validPINFormat(pin string) bool {
	if len(pin) != transferPINLength {
		return false
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// SetTransferPin sets or replaces a user's transfer PIN. The raw PIN is
// bcrypt-hashed and discarded; setting a new PIN clears any lockout state.
func (s *Service) SetTransferPin(ctx context.Context, userID uuid.UUID, pin string) error {
	if !validPINFormat(pin) {
		return ErrInvalidPINFormat
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash transfer pin: %w", err)
	}
	if err := s.repo.UpsertTransferPIN(ctx, userID, string(hash)); err != nil {
		return err
	}
	log.Printf("level=info component=service msg=\"transfer pin updated\" user_id=%s", userID)
	return nil
}

// verifyTransferPIN checks a candidate PIN against the stored hash, enforcing
// the failed-attempt counter and lockout window. A correct PIN resets the
// counter.
func (s *Service) verifyTransferPIN(ctx context.Context, userID uuid.UUID, pin string) error {
	credential, err := s.repo.GetTransferPINCredential(ctx, userID)
	if err != nil {
		return err
	}
	if credential.Locked(time.Now()) {
		return ErrPINLocked
	}

	if bcrypt.CompareHashAndPassword([]byte(credential.TransferPINHash), []byte(pin)) != nil {
		updated, recErr := s.repo.RecordFailedTransferPINAttempt(ctx, userID, s.cfg.TransferPINMaxAttempts, s.cfg.TransferPINLockoutSeconds)
		if recErr != nil {
			log.Printf("level=error component=service msg=\"failed to record pin attempt\" user_id=%s error=%q", userID, recErr)
			return ErrPINIncorrect
		}
		if updated.Locked(time.Now()) {
			log.Printf("level=warn component=service msg=\"transfer pin locked out\" user_id=%s failed_attempts=%d", userID, updated.FailedAttempts)
			return ErrPINLocked
		}
		return ErrPINIncorrect
	}

	if credential.FailedAttempts > 0 {
		if err := s.repo.ResetTransferPINFailureState(ctx, userID); err != nil {
			log.Printf("level=warn component=service msg=\"failed to reset pin failure state\" user_id=%s error=%q", userID, err)
		}
	}
	return nil
}

// TopUp credits a user's wallet and returns the new balance with the
// appended ledger entry.
func (s *Service) TopUp(ctx context.Context, userID uuid.UUID, req domain.TopUpRequest) (int64, *domain.TransactionEntry, error) {
	if req.Amount <= 0 {
		return 0, nil, ErrInvalidAmount
	}

	balance, entry, err := s.repo.ApplyBalanceDelta(ctx, userID, req.Amount, domain.EntryMeta{
		Type:        domain.EntryTypeTopUp,
		Description: req.Description,
	})
	if err != nil {
		return 0, nil, err
	}

	s.publishEvent(domain.EventTopUpCompleted, domain.WalletEvent{
		EntryID:   entry.ID,
		UserID:    userID,
		Type:      domain.EntryTypeTopUp,
		Amount:    entry.Amount,
		Timestamp: entry.CreatedAt,
	})
	return balance, entry, nil
}

// Withdraw debits a user's wallet. Fails with ErrInsufficientFunds if the
// balance cannot cover the amount; the balance is never driven negative.
func (s *Service) Withdraw(ctx context.Context, userID uuid.UUID, req domain.WithdrawRequest) (int64, *domain.TransactionEntry, error) {
	if req.Amount <= 0 {
		return 0, nil, ErrInvalidAmount
	}

	balance, entry, err := s.repo.ApplyBalanceDelta(ctx, userID, -req.Amount, domain.EntryMeta{
		Type:        domain.EntryTypeWithdraw,
		Description: req.Description,
	})
	if err != nil {
		return 0, nil, err
	}

	s.publishEvent(domain.EventWithdrawCompleted, domain.WalletEvent{
		EntryID:   entry.ID,
		UserID:    userID,
		Type:      domain.EntryTypeWithdraw,
		Amount:    entry.Amount,
		Timestamp: entry.CreatedAt,
	})
	return balance, entry, nil
}

// Transfer moves funds from the authenticated sender to the wallet identified
// by recipient account number, gated on the sender's transfer PIN. The debit
// and credit settle atomically in the store; a failure at any step leaves
// both balances untouched.
func (s *Service) Transfer(ctx context.Context, senderUserID uuid.UUID, req domain.TransferRequest) (*domain.TransactionEntry, error) {
	// 1. Validate the request shape.
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.RecipientAccountNumber == "" {
		return nil, ErrRecipientRequired
	}

	// 2. Verify the transfer PIN before any account lookups, so a caller
	// without the PIN cannot discover which account numbers exist.
	if err := s.verifyTransferPIN(ctx, senderUserID, req.TransferPIN); err != nil {
		return nil, err
	}

	// 3. Resolve both parties.
	sender, err := s.repo.FindAccountByUserID(ctx, senderUserID)
	if err != nil {
		return nil, err
	}
	recipient, err := s.repo.FindAccountByNumber(ctx, req.RecipientAccountNumber)
	if err != nil {
		return nil, err
	}
	if IsOwner(senderUserID, recipient.UserID) {
		return nil, ErrSelfTransfer
	}

	// 4. Settle atomically.
	entry, err := s.repo.TransferAtomic(ctx, sender.ID, recipient.ID, req.Amount, req.Description)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"transfer completed\" entry_id=%s sender_account=%s recipient_account=%s", entry.ID, sender.AccountNumber, recipient.AccountNumber)

	// 5. Notify both parties.
	s.publishEvent(domain.EventTransferCompleted, domain.WalletEvent{
		EntryID:   entry.ID,
		UserID:    senderUserID,
		Type:      domain.EntryTypeTransfer,
		Amount:    entry.Amount,
		Timestamp: entry.CreatedAt,
	})
	s.publishEvent(domain.EventTransferCompleted, domain.WalletEvent{
		EntryID:   entry.ID,
		UserID:    recipient.UserID,
		Type:      domain.EntryTypeTransfer,
		Amount:    entry.Amount,
		Timestamp: entry.CreatedAt,
	})
	return entry, nil
}

// ListEntries returns a user's ledger history, newest first, narrowed by the
// optional filter.
func (s *Service) ListEntries(ctx context.Context, userID uuid.UUID, filter domain.EntryFilter) ([]domain.TransactionEntry, error) {
	return s.repo.ListEntries(ctx, userID, filter)
}

// MonthlyStatement renders a user's statement for one calendar month:
// chronological entries plus inflow/outflow totals and the balance as it
// stood at the end of that month.
func (s *Service) MonthlyStatement(ctx context.Context, userID uuid.UUID, period domain.StatementPeriod) (*domain.Statement, error) {
	if period.Month < 1 || period.Month > 12 || period.Year < 2000 {
		return nil, ErrInvalidPeriod
	}

	account, err := s.repo.FindAccountByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListStatementEntries(ctx, userID, period)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoStatementEntries
	}

	// The closing balance is the current balance rolled back past everything
	// that settled after the period ended.
	periodEnd := time.Date(period.Year, time.Month(period.Month), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	netSince, err := s.repo.NetEntryDeltaSince(ctx, userID, periodEnd)
	if err != nil {
		return nil, err
	}

	statement := &domain.Statement{
		AccountNumber:  account.AccountNumber,
		Month:          period.Month,
		Year:           period.Year,
		Entries:        entries,
		ClosingBalance: account.Balance - netSince,
	}
	for _, entry := range entries {
		inbound := entry.RecipientAccountID != nil && *entry.RecipientAccountID == account.ID
		outbound := entry.SenderAccountID != nil && *entry.SenderAccountID == account.ID
		if inbound {
			statement.TotalIn += entry.Amount
		}
		if outbound {
			statement.TotalOut += entry.Amount
		}
	}
	return statement, nil
}
