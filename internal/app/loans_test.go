package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/smartbank/wallet-service/internal/domain"
	"github.com/smartbank/wallet-service/internal/store"
)

// seedEligibleUser sets up a verified user with full identity data, a balance
// above the scoring tier, and three completed transactions: score 100.
func seedEligibleUser(repo *fakeRepository, service *Service) uuid.UUID {
	userID := uuid.New()
	repo.seedAccount(userID, "1000000001", 60000)
	repo.profiles[userID] = &domain.Profile{
		UserID:      userID,
		PhoneNumber: "254712345678",
		NationalID:  "12345678",
		IsVerified:  true,
	}
	for i := 0; i < 3; i++ {
		service.TopUp(context.Background(), userID, domain.TopUpRequest{Amount: 100})
	}
	return userID
}

func TestScoreForUnverifiedUserIsZero(t *testing.T) {
	repo := newFakeRepository()
	service, _ := newTestService(repo)
	userID := uuid.New()
	repo.seedAccount(userID, "1000000001", 100000)
	repo.profiles[userID] = &domain.Profile{
		UserID:      userID,
		PhoneNumber: "254712345678",
		NationalID:  "12345678",
		IsVerified:  false,
	}

	score, err := service.Score(context.Background(), userID)
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	if score != 0 {
		t.Fatalf("score = %d, want 0 for unverified user", score)
	}
}

func TestScoreWithoutProfileIsZero(t *testing.T) {
	repo := newFakeRepository()
	service, _ := newTestService(repo)
	userID := uuid.New()
	repo.seedAccount(userID, "1000000001", 100000)

	score, err := service.Score(context.Background(), userID)
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}
	if score != 0 {
		t.Fatalf("score = %d, want 0 without a profile", score)
	}
}

func TestApplyForLoanBelowThresholdIsRejected(t *testing.T) {
	repo := newFakeRepository()
	service, publisher := newTestService(repo)
	userID := uuid.New()
	// Verified but no identity data, low balance, no history: score 0.
	repo.seedAccount(userID, "1000000001", 100)
	repo.profiles[userID] = &domain.Profile{UserID: userID, IsVerified: true}

	_, err := service.ApplyForLoan(context.Background(), userID, domain.LoanApplicationRequest{Amount: 100000})
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("error = %v, want ErrNotEligible", err)
	}
	// The rejection reports the score that fell short.
	var notEligible *NotEligibleError
	if !errors.As(err, &notEligible) {
		t.Fatalf("error %v does not carry the score", err)
	}
	if notEligible.Score != 0 {
		t.Fatalf("rejection score = %d, want 0", notEligible.Score)
	}

	account, _ := repo.FindAccountByUserID(context.Background(), userID)
	if account.Balance != 100 {
		t.Fatalf("rejected application mutated balance: %d", account.Balance)
	}
	if len(publisher.byRoutingKey(domain.EventLoanApproved)) != 0 {
		t.Fatal("rejected application published an approval event")
	}
}

func TestApplyForLoanDisbursesPrincipalAndFreezesTotalDue(t *testing.T) {
	repo := newFakeRepository()
	service, publisher := newTestService(repo)
	userID := seedEligibleUser(repo, service)
	before, _ := repo.FindAccountByUserID(context.Background(), userID)

	// 1000.00 at the configured 10%: total due 1100.00.
	loan, err := service.ApplyForLoan(context.Background(), userID, domain.LoanApplicationRequest{Amount: 100000})
	if err != nil {
		t.Fatalf("application failed: %v", err)
	}
	if loan.Status != domain.LoanStatusApproved {
		t.Fatalf("loan status = %s, want approved", loan.Status)
	}
	if loan.TotalDue != 110000 {
		t.Fatalf("total due = %d, want 110000", loan.TotalDue)
	}
	if loan.Score < domain.EligibilityThreshold {
		t.Fatalf("approved loan carries score %d below threshold", loan.Score)
	}

	after, _ := repo.FindAccountByUserID(context.Background(), userID)
	if after.Balance != before.Balance+100000 {
		t.Fatalf("balance = %d, want %d after disbursement", after.Balance, before.Balance+100000)
	}
	if len(publisher.byRoutingKey(domain.EventLoanApproved)) != 1 {
		t.Fatal("approval event not published")
	}
}

func TestApplyForLoanRejectsSecondOutstandingLoan(t *testing.T) {
	repo := newFakeRepository()
	service, _ := newTestService(repo)
	userID := seedEligibleUser(repo, service)

	if _, err := service.ApplyForLoan(context.Background(), userID, domain.LoanApplicationRequest{Amount: 50000}); err != nil {
		t.Fatalf("first application failed: %v", err)
	}
	_, err := service.ApplyForLoan(context.Background(), userID, domain.LoanApplicationRequest{Amount: 50000})
	if !errors.Is(err, store.ErrActiveLoanExists) {
		t.Fatalf("second application error = %v, want ErrActiveLoanExists", err)
	}
}

func TestRepayLoanDebitsTotalDue(t *testing.T) {
	repo := newFakeRepository()
	service, _ := newTestService(repo)
	userID := seedEligibleUser(repo, service)

	loan, err := service.ApplyForLoan(context.Background(), userID, domain.LoanApplicationRequest{Amount: 100000})
	if err != nil {
		t.Fatalf("application failed: %v", err)
	}
	before, _ := repo.FindAccountByUserID(context.Background(), userID)

	repaid, err := service.RepayLoan(context.Background(), userID, loan.ID)
	if err != nil {
		t.Fatalf("repayment failed: %v", err)
	}
	if repaid.Status != domain.LoanStatusRepaid {
		t.Fatalf("loan status = %s, want repaid", repaid.Status)
	}

	after, _ := repo.FindAccountByUserID(context.Background(), userID)
	if after.Balance != before.Balance-loan.TotalDue {
		t.Fatalf("balance = %d, want %d after repayment", after.Balance, before.Balance-loan.TotalDue)
	}

	// A repaid loan cannot be repaid again.
	if _, err := service.RepayLoan(context.Background(), userID, loan.ID); !errors.Is(err, store.ErrLoanNotRepayable) {
		t.Fatalf("double repayment error = %v, want ErrLoanNotRepayable", err)
	}

	// With the debt cleared, a new application is allowed.
	if _, err := service.ApplyForLoan(context.Background(), userID, domain.LoanApplicationRequest{Amount: 50000}); err != nil {
		t.Fatalf("application after repayment failed: %v", err)
	}
}

func TestRepayLoanInsufficientFundsLeavesLoanApproved(t *testing.T) {
	repo := newFakeRepository()
	service, _ := newTestService(repo)
	userID := seedEligibleUser(repo, service)

	loan, err := service.ApplyForLoan(context.Background(), userID, domain.LoanApplicationRequest{Amount: 100000})
	if err != nil {
		t.Fatalf("application failed: %v", err)
	}

	// Drain the wallet below the total due.
	account, _ := repo.FindAccountByUserID(context.Background(), userID)
	if _, _, err := service.Withdraw(context.Background(), userID, domain.WithdrawRequest{Amount: account.Balance}); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	if _, err := service.RepayLoan(context.Background(), userID, loan.ID); !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("repayment error = %v, want ErrInsufficientFunds", err)
	}
	current, err := service.GetLoan(context.Background(), userID, loan.ID)
	if err != nil {
		t.Fatalf("GetLoan failed: %v", err)
	}
	if current.Status != domain.LoanStatusApproved {
		t.Fatalf("loan status = %s, want approved after failed repayment", current.Status)
	}
}

func TestDueLoanSweepPublishesNotices(t *testing.T) {
	repo := newFakeRepository()
	service, publisher := newTestService(repo)
	userID := seedEligibleUser(repo, service)

	loan, err := service.ApplyForLoan(context.Background(), userID, domain.LoanApplicationRequest{Amount: 100000})
	if err != nil {
		t.Fatalf("application failed: %v", err)
	}

	// Force the due date into the past.
	repo.mu.Lock()
	repo.loans[loan.ID].DueDate = time.Now().UTC().Add(-24 * time.Hour)
	repo.mu.Unlock()

	service.sweepDueLoans(context.Background())
	if got := publisher.byRoutingKey(domain.EventLoanDue); len(got) != 1 {
		t.Fatalf("published %d due notices, want 1", len(got))
	}

	// A second sweep does not notice the same loan again.
	service.sweepDueLoans(context.Background())
	if got := publisher.byRoutingKey(domain.EventLoanDue); len(got) != 1 {
		t.Fatalf("published %d due notices after second sweep, want 1", len(got))
	}
}
