/**
 * @description
 * This file defines the loan domain models and the pluggable eligibility
 * scoring policy used by the loan engine.
 *
 * @notes
 * - The total due is computed exactly once at creation time and frozen; later
 *   rate changes never reprice an outstanding loan.
 * - Scoring weights are a policy decision, not a structural contract. The
 *   default policy is monotonic in each input and bounded to 100.
 */

package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Loan statuses.
const (
	LoanStatusPending  = "pending"
	LoanStatusApproved = "approved"
	LoanStatusRejected = "rejected"
	LoanStatusRepaid   = "repaid"
)

// EligibilityThreshold is the minimum score at which a loan application is
// accepted.
const EligibilityThreshold = 60

// Loan represents a loan record. Maps directly to the `loans` table.
type Loan struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	Principal    int64     `json:"principal"` // in cents
	InterestRate float64   `json:"interest_rate"` // percent
	TotalDue     int64     `json:"total_due"` // in cents, frozen at creation
	Status       string    `json:"status"`
	Score        int       `json:"score"` // eligibility score (0-100)
	AppliedAt    time.Time `json:"applied_at"`
	DueDate      time.Time `json:"due_date"`
}

// ComputeTotalDue returns principal + principal*rate/100 in cents, rounded
// half away from zero. Called exactly once, at loan creation.
func ComputeTotalDue(principal int64, ratePercent float64) int64 {
	interest := math.Round(float64(principal) * ratePercent / 100)
	return principal + int64(interest)
}

// LoanApplicationRequest is the DTO for loan application API requests.
type LoanApplicationRequest struct {
	Amount int64 `json:"amount"` // in cents
}

// ScoreInputs are the verified facts the eligibility policy scores against.
type ScoreInputs struct {
	IsVerified       bool
	HasIdentityData  bool // national id and phone number on file
	Balance          int64
	TransactionCount int
}

// ScorePolicy maps score inputs to an eligibility score in [0,100].
type ScorePolicy func(ScoreInputs) int

// Default scoring weights, carried over from the original eligibility rules.
const (
	scoreBalanceTierCents = 50000 // 500.00
	scoreTxCountTier      = 3
)

// DefaultScorePolicy is the standard eligibility policy: unverified users
// score zero; verified users accumulate weight from identity completeness,
// balance tier, and transaction history, capped at 100.
func DefaultScorePolicy(in ScoreInputs) int {
	if !in.IsVerified {
		return 0
	}

	score := 0
	if in.HasIdentityData {
		score += 40
	}
	if in.Balance >= scoreBalanceTierCents {
		score += 30
	}
	if in.TransactionCount >= scoreTxCountTier {
		score += 30
	}

	if score > 100 {
		score = 100
	}
	return score
}
