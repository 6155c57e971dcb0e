/**
 * @description
 * This file contains the loan engine: eligibility scoring, application,
 * repayment, and the periodic due-notice sweep. Approval disburses the
 * principal and repayment debits the frozen total due through the store's
 * atomic loan methods, so loan state and wallet balance always move together.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/smartbank/wallet-service/internal/domain"
	"github.com/smartbank/wallet-service/internal/store"
)

// Score computes a user's current loan eligibility score from their profile,
// balance, and completed transaction count.
func (s *Service) Score(ctx context.Context, userID uuid.UUID) (int, error) {
	profile, err := s.repo.FindProfileByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrProfileNotFound) {
			// No profile on file scores like an unverified user.
			return s.scorePolicy(domain.ScoreInputs{}), nil
		}
		return 0, err
	}
	account, err := s.repo.FindAccountByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}
	txCount, err := s.repo.CountCompletedEntries(ctx, userID)
	if err != nil {
		return 0, err
	}

	return s.scorePolicy(domain.ScoreInputs{
		IsVerified:       profile.IsVerified,
		HasIdentityData:  profile.NationalID != "" && profile.PhoneNumber != "",
		Balance:          account.Balance,
		TransactionCount: txCount,
	}), nil
}

// ApplyForLoan scores the applicant and, if the score clears the threshold,
// approves the loan and disburses the principal atomically. The total due is
// computed once from the rate in force at approval time and never repriced.
func (s *Service) ApplyForLoan(ctx context.Context, userID uuid.UUID, req domain.LoanApplicationRequest) (*domain.Loan, error) {
	// 1. Validate the request.
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	// 2. Reject a second application while a loan is outstanding.
	if _, err := s.repo.FindApprovedLoanByUserID(ctx, userID); err == nil {
		return nil, store.ErrActiveLoanExists
	} else if !errors.Is(err, store.ErrLoanNotFound) {
		return nil, err
	}

	// 3. Score the applicant.
	score, err := s.Score(ctx, userID)
	if err != nil {
		return nil, err
	}
	if score < domain.EligibilityThreshold {
		log.Printf("level=info component=service msg=\"loan application rejected\" user_id=%s score=%d", userID, score)
		return nil, &NotEligibleError{Score: score}
	}

	// 4. Approve and disburse atomically.
	now := time.Now().UTC()
	loan := &domain.Loan{
		ID:           uuid.New(),
		UserID:       userID,
		Principal:    req.Amount,
		InterestRate: s.cfg.LoanInterestRatePercent,
		TotalDue:     domain.ComputeTotalDue(req.Amount, s.cfg.LoanInterestRatePercent),
		Status:       domain.LoanStatusApproved,
		Score:        score,
		AppliedAt:    now,
		DueDate:      now.AddDate(0, 0, s.cfg.LoanTermDays),
	}
	if err := s.repo.ApproveLoanAtomic(ctx, loan); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"loan approved\" loan_id=%s user_id=%s principal=%d total_due=%d score=%d", loan.ID, userID, loan.Principal, loan.TotalDue, score)

	// 5. Notify.
	s.publishEvent(domain.EventLoanApproved, domain.LoanEvent{
		LoanID:    loan.ID,
		UserID:    userID,
		Principal: loan.Principal,
		TotalDue:  loan.TotalDue,
		DueDate:   loan.DueDate,
		Timestamp: now,
	})
	return loan, nil
}

// RepayLoan settles an approved loan in full from the borrower's wallet.
func (s *Service) RepayLoan(ctx context.Context, userID, loanID uuid.UUID) (*domain.Loan, error) {
	loan, err := s.repo.RepayLoanAtomic(ctx, userID, loanID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"loan repaid\" loan_id=%s user_id=%s total_due=%d", loan.ID, userID, loan.TotalDue)
	return loan, nil
}

// ListLoans returns all of a user's loans, newest application first.
func (s *Service) ListLoans(ctx context.Context, userID uuid.UUID) ([]domain.Loan, error) {
	return s.repo.ListLoansByUserID(ctx, userID)
}

// GetLoan returns one loan owned by the user.
func (s *Service) GetLoan(ctx context.Context, userID, loanID uuid.UUID) (*domain.Loan, error) {
	return s.repo.FindLoanByID(ctx, loanID, userID)
}

// sweepDueLoans publishes a due notice for each approved loan whose due date
// has passed, at most once per loan.
func (s *Service) sweepDueLoans(ctx context.Context) {
	loans, err := s.repo.FindLoansDueForNotice(ctx, time.Now().UTC(), 100)
	if err != nil {
		log.Printf("level=error component=service msg=\"due loan sweep failed\" error=%q", err)
		return
	}
	for _, loan := range loans {
		s.publishEvent(domain.EventLoanDue, domain.LoanEvent{
			LoanID:    loan.ID,
			UserID:    loan.UserID,
			Principal: loan.Principal,
			TotalDue:  loan.TotalDue,
			DueDate:   loan.DueDate,
			Timestamp: time.Now().UTC(),
		})
		if err := s.repo.MarkLoanDueNoticed(ctx, loan.ID); err != nil {
			log.Printf("level=warn component=service msg=\"failed to mark loan due notice\" loan_id=%s error=%q", loan.ID, err)
		}
	}
	if len(loans) > 0 {
		log.Printf("level=info component=service msg=\"due loan sweep completed\" notices=%d", len(loans))
	}
}

// StartLoanDueSweeper runs the due-notice sweep on the configured interval
// until ctx is cancelled.
func (s *Service) StartLoanDueSweeper(ctx context.Context) {
	interval := time.Duration(s.cfg.LoanDueSweepMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepDueLoans(ctx)
			}
		}
	}()
}
