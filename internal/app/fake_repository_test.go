package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartbank/wallet-service/internal/domain"
	"github.com/smartbank/wallet-service/internal/store"
)

// fakeRepository is an in-memory store.Repository used by the service tests.
// It mirrors the invariants of the PostgreSQL implementation: balances never
// go negative, atomics either fully apply or leave state untouched.
type fakeRepository struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*domain.Account // keyed by user id
	profiles map[uuid.UUID]*domain.Profile
	pins     map[uuid.UUID]*domain.TransferPINCredential
	entries  []domain.TransactionEntry
	loans    map[uuid.UUID]*domain.Loan
	noticed  map[uuid.UUID]bool
	mpesa    map[string]*domain.MpesaTransaction
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		accounts: make(map[uuid.UUID]*domain.Account),
		profiles: make(map[uuid.UUID]*domain.Profile),
		pins:     make(map[uuid.UUID]*domain.TransferPINCredential),
		loans:    make(map[uuid.UUID]*domain.Loan),
		noticed:  make(map[uuid.UUID]bool),
		mpesa:    make(map[string]*domain.MpesaTransaction),
	}
}

func (f *fakeRepository) seedAccount(userID uuid.UUID, number string, balance int64) *domain.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	account := &domain.Account{
		ID:            uuid.New(),
		UserID:        userID,
		AccountNumber: number,
		Balance:       balance,
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	}
	f.accounts[userID] = account
	return account
}

func (f *fakeRepository) accountByIDLocked(accountID uuid.UUID) *domain.Account {
	for _, account := range f.accounts {
		if account.ID == accountID {
			return account
		}
	}
	return nil
}

func checkUsable(account *domain.Account) error {
	if !account.IsActive {
		return store.ErrAccountInactive
	}
	if account.IsFrozen {
		return store.ErrAccountFrozen
	}
	return nil
}

func (f *fakeRepository) CreateAccount(ctx context.Context, userID uuid.UUID, accountNumber string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[userID]; ok {
		return nil, store.ErrAccountExists
	}
	for _, account := range f.accounts {
		if account.AccountNumber == accountNumber {
			return nil, store.ErrAccountExists
		}
	}
	account := &domain.Account{
		ID:            uuid.New(),
		UserID:        userID,
		AccountNumber: accountNumber,
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	}
	f.accounts[userID] = account
	return account, nil
}

func (f *fakeRepository) FindAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[userID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	copy := *account
	return &copy, nil
}

func (f *fakeRepository) FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, account := range f.accounts {
		if account.AccountNumber == accountNumber {
			copy := *account
			return &copy, nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (f *fakeRepository) SetAccountFrozen(ctx context.Context, userID uuid.UUID, frozen bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[userID]
	if !ok {
		return store.ErrAccountNotFound
	}
	account.IsFrozen = frozen
	return nil
}

func (f *fakeRepository) FindProfileByUserID(ctx context.Context, userID uuid.UUID) (*domain.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[userID]
	if !ok {
		return nil, store.ErrProfileNotFound
	}
	copy := *profile
	return &copy, nil
}

func (f *fakeRepository) UpsertTransferPIN(ctx context.Context, userID uuid.UUID, pinHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins[userID] = &domain.TransferPINCredential{UserID: userID, TransferPINHash: pinHash}
	return nil
}

func (f *fakeRepository) GetTransferPINCredential(ctx context.Context, userID uuid.UUID) (*domain.TransferPINCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	credential, ok := f.pins[userID]
	if !ok || credential.TransferPINHash == "" {
		return nil, store.ErrTransferPINNotSet
	}
	copy := *credential
	return &copy, nil
}

func (f *fakeRepository) RecordFailedTransferPINAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutDurationSeconds int) (*domain.TransferPINCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	credential, ok := f.pins[userID]
	if !ok {
		return nil, store.ErrTransferPINNotSet
	}
	now := time.Now()
	if credential.LockedUntil != nil && !now.Before(*credential.LockedUntil) {
		credential.FailedAttempts = 1
		credential.LockedUntil = nil
	} else {
		credential.FailedAttempts++
	}
	if credential.FailedAttempts >= maxAttempts {
		until := now.Add(time.Duration(lockoutDurationSeconds) * time.Second)
		credential.LockedUntil = &until
	}
	copy := *credential
	return &copy, nil
}

func (f *fakeRepository) ResetTransferPINFailureState(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	credential, ok := f.pins[userID]
	if !ok {
		return store.ErrTransferPINNotSet
	}
	credential.FailedAttempts = 0
	credential.LockedUntil = nil
	return nil
}

func (f *fakeRepository) ApplyBalanceDelta(ctx context.Context, userID uuid.UUID, delta int64, meta domain.EntryMeta) (int64, *domain.TransactionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if delta == 0 {
		return 0, nil, store.ErrInvalidAmount
	}
	account, ok := f.accounts[userID]
	if !ok {
		return 0, nil, store.ErrAccountNotFound
	}
	if delta < 0 {
		if err := checkUsable(account); err != nil {
			return 0, nil, err
		}
		if account.Balance+delta < 0 {
			return 0, nil, store.ErrInsufficientFunds
		}
	}
	account.Balance += delta

	amount := delta
	if amount < 0 {
		amount = -amount
	}
	entry := domain.TransactionEntry{
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
	f.entries = append(f.entries, entry)
	return account.Balance, &entry, nil
}

func (f *fakeRepository) TransferAtomic(ctx context.Context, senderAccountID, recipientAccountID uuid.UUID, amount int64, description string) (*domain.TransactionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if amount <= 0 {
		return nil, store.ErrInvalidAmount
	}
	sender := f.accountByIDLocked(senderAccountID)
	recipient := f.accountByIDLocked(recipientAccountID)
	if sender == nil || recipient == nil {
		return nil, store.ErrAccountNotFound
	}
	if err := checkUsable(sender); err != nil {
		return nil, err
	}
	if sender.Balance < amount {
		return nil, store.ErrInsufficientFunds
	}
	sender.Balance -= amount
	recipient.Balance += amount

	entry := domain.TransactionEntry{
		ID:                 uuid.New(),
		Type:               domain.EntryTypeTransfer,
		Status:             domain.EntryStatusCompleted,
		Amount:             amount,
		SenderAccountID:    &sender.ID,
		RecipientAccountID: &recipient.ID,
		Description:        description,
		CreatedAt:          time.Now().UTC(),
	}
	f.entries = append(f.entries, entry)
	return &entry, nil
}

func (f *fakeRepository) ListEntries(ctx context.Context, userID uuid.UUID, filter domain.EntryFilter) ([]domain.TransactionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[userID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	var result []domain.TransactionEntry
	for _, entry := range f.entries {
		mine := (entry.SenderAccountID != nil && *entry.SenderAccountID == account.ID) ||
			(entry.RecipientAccountID != nil && *entry.RecipientAccountID == account.ID)
		if !mine {
			continue
		}
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}
		if filter.MinAmount > 0 && entry.Amount < filter.MinAmount {
			continue
		}
		if filter.MaxAmount > 0 && entry.Amount > filter.MaxAmount {
			continue
		}
		if !filter.StartDate.IsZero() && entry.CreatedAt.Before(filter.StartDate) {
			continue
		}
		if !filter.EndDate.IsZero() && entry.CreatedAt.After(filter.EndDate) {
			continue
		}
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (f *fakeRepository) ListStatementEntries(ctx context.Context, userID uuid.UUID, period domain.StatementPeriod) ([]domain.TransactionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[userID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	var result []domain.TransactionEntry
	for _, entry := range f.entries {
		mine := (entry.SenderAccountID != nil && *entry.SenderAccountID == account.ID) ||
			(entry.RecipientAccountID != nil && *entry.RecipientAccountID == account.ID)
		if !mine {
			continue
		}
		if int(entry.CreatedAt.Month()) != period.Month || entry.CreatedAt.Year() != period.Year {
			continue
		}
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (f *fakeRepository) NetEntryDeltaSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[userID]
	if !ok {
		return 0, store.ErrAccountNotFound
	}
	var net int64
	for _, entry := range f.entries {
		if entry.Status != domain.EntryStatusCompleted || entry.CreatedAt.Before(since) {
			continue
		}
		if entry.RecipientAccountID != nil && *entry.RecipientAccountID == account.ID {
			net += entry.Amount
		}
		if entry.SenderAccountID != nil && *entry.SenderAccountID == account.ID {
			net -= entry.Amount
		}
	}
	return net, nil
}

func (f *fakeRepository) CountCompletedEntries(ctx context.Context, userID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[userID]
	if !ok {
		return 0, store.ErrAccountNotFound
	}
	count := 0
	for _, entry := range f.entries {
		if entry.Status != domain.EntryStatusCompleted {
			continue
		}
		if (entry.SenderAccountID != nil && *entry.SenderAccountID == account.ID) ||
			(entry.RecipientAccountID != nil && *entry.RecipientAccountID == account.ID) {
			count++
		}
	}
	return count, nil
}

func (f *fakeRepository) FindLoanByID(ctx context.Context, loanID, userID uuid.UUID) (*domain.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loan, ok := f.loans[loanID]
	if !ok || loan.UserID != userID {
		return nil, store.ErrLoanNotFound
	}
	copy := *loan
	return &copy, nil
}

func (f *fakeRepository) FindApprovedLoanByUserID(ctx context.Context, userID uuid.UUID) (*domain.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, loan := range f.loans {
		if loan.UserID == userID && loan.Status == domain.LoanStatusApproved {
			copy := *loan
			return &copy, nil
		}
	}
	return nil, store.ErrLoanNotFound
}

func (f *fakeRepository) ListLoansByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []domain.Loan
	for _, loan := range f.loans {
		if loan.UserID == userID {
			result = append(result, *loan)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AppliedAt.After(result[j].AppliedAt) })
	return result, nil
}

func (f *fakeRepository) ApproveLoanAtomic(ctx context.Context, loan *domain.Loan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[loan.UserID]
	if !ok {
		return store.ErrAccountNotFound
	}
	for _, existing := range f.loans {
		if existing.UserID == loan.UserID && existing.Status == domain.LoanStatusApproved {
			return store.ErrActiveLoanExists
		}
	}
	stored := *loan
	f.loans[loan.ID] = &stored
	account.Balance += loan.Principal
	f.entries = append(f.entries, domain.TransactionEntry{
		ID:                 uuid.New(),
		Type:               domain.EntryTypeTopUp,
		Status:             domain.EntryStatusCompleted,
		Amount:             loan.Principal,
		RecipientAccountID: &account.ID,
		Description:        "Loan disbursement",
		CreatedAt:          time.Now().UTC(),
	})
	return nil
}

func (f *fakeRepository) RepayLoanAtomic(ctx context.Context, userID, loanID uuid.UUID) (*domain.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loan, ok := f.loans[loanID]
	if !ok || loan.UserID != userID {
		return nil, store.ErrLoanNotFound
	}
	if loan.Status != domain.LoanStatusApproved {
		return nil, store.ErrLoanNotRepayable
	}
	account, ok := f.accounts[userID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	if err := checkUsable(account); err != nil {
		return nil, err
	}
	if account.Balance < loan.TotalDue {
		return nil, store.ErrInsufficientFunds
	}
	account.Balance -= loan.TotalDue
	loan.Status = domain.LoanStatusRepaid
	f.entries = append(f.entries, domain.TransactionEntry{
		ID:              uuid.New(),
		Type:            domain.EntryTypeWithdraw,
		Status:          domain.EntryStatusCompleted,
		Amount:          loan.TotalDue,
		SenderAccountID: &account.ID,
		Description:     "Loan repayment",
		CreatedAt:       time.Now().UTC(),
	})
	copy := *loan
	return &copy, nil
}

func (f *fakeRepository) FindLoansDueForNotice(ctx context.Context, asOf time.Time, limit int) ([]domain.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []domain.Loan
	for _, loan := range f.loans {
		if loan.Status == domain.LoanStatusApproved && !loan.DueDate.After(asOf) && !f.noticed[loan.ID] {
			result = append(result, *loan)
		}
	}
	return result, nil
}

func (f *fakeRepository) MarkLoanDueNoticed(ctx context.Context, loanID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.loans[loanID]; !ok {
		return store.ErrLoanNotFound
	}
	f.noticed[loanID] = true
	return nil
}

func (f *fakeRepository) CreateMpesaTransaction(ctx context.Context, mt *domain.MpesaTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mpesa[mt.CheckoutRequestID]; ok {
		return store.ErrDuplicateCheckout
	}
	stored := *mt
	stored.CreatedAt = time.Now().UTC()
	stored.UpdatedAt = stored.CreatedAt
	f.mpesa[mt.CheckoutRequestID] = &stored
	return nil
}

func (f *fakeRepository) FindMpesaTransactionByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.MpesaTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mt, ok := f.mpesa[checkoutRequestID]
	if !ok {
		return nil, store.ErrCheckoutNotFound
	}
	copy := *mt
	return &copy, nil
}

func (f *fakeRepository) CompleteMpesaDepositAtomic(ctx context.Context, checkoutRequestID, receiptNumber string, resultCode int, resultDesc string) (*domain.MpesaTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mt, ok := f.mpesa[checkoutRequestID]
	if !ok {
		return nil, store.ErrCheckoutNotFound
	}
	if mt.Status != domain.MpesaStatusPending {
		copy := *mt
		return &copy, nil
	}
	account, ok := f.accounts[mt.UserID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	mt.Status = domain.MpesaStatusCompleted
	mt.MpesaReceiptNumber = receiptNumber
	mt.ResultCode = &resultCode
	mt.ResultDesc = resultDesc
	mt.UpdatedAt = time.Now().UTC()
	account.Balance += mt.Amount
	f.entries = append(f.entries, domain.TransactionEntry{
		ID:                 uuid.New(),
		Type:               domain.EntryTypeTopUp,
		Status:             domain.EntryStatusCompleted,
		Amount:             mt.Amount,
		RecipientAccountID: &account.ID,
		Description:        "M-Pesa deposit " + receiptNumber,
		CreatedAt:          time.Now().UTC(),
	})
	copy := *mt
	return &copy, nil
}

func (f *fakeRepository) FailMpesaTransaction(ctx context.Context, checkoutRequestID string, resultCode int, resultDesc string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	mt, ok := f.mpesa[checkoutRequestID]
	if !ok {
		return store.ErrCheckoutNotFound
	}
	if mt.Status != domain.MpesaStatusPending {
		return nil
	}
	mt.Status = domain.MpesaStatusFailed
	if resultCode == 1032 {
		mt.Status = domain.MpesaStatusCancelled
	}
	mt.ResultCode = &resultCode
	mt.ResultDesc = resultDesc
	mt.UpdatedAt = time.Now().UTC()
	return nil
}

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	Exchange   string
	RoutingKey string
	Body       interface{}
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Exchange: exchange, RoutingKey: routingKey, Body: body})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) byRoutingKey(key string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result []publishedEvent
	for _, event := range p.events {
		if event.RoutingKey == key {
			result = append(result, event)
		}
	}
	return result
}
