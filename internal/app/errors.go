/**
 * @description
 * This file defines the service-level sentinel errors the API layer maps to
 * HTTP statuses. Store-level errors (not found, insufficient funds) pass
 * through unchanged; the errors here cover validation and PIN gating.
 */

package app

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount      = errors.New("amount must be a positive integer")
	ErrInvalidPINFormat   = errors.New("transfer pin must be exactly 4 digits")
	ErrPINIncorrect       = errors.New("incorrect transfer pin")
	ErrPINLocked          = errors.New("transfer pin is temporarily locked")
	ErrSelfTransfer       = errors.New("cannot transfer to your own account")
	ErrRecipientRequired  = errors.New("recipient account number is required")
	ErrInvalidPhoneNumber = errors.New("phone number must be in 2547XXXXXXXX format")
	ErrNotEligible        = errors.New("loan application rejected: eligibility score below threshold")
	ErrInvalidPeriod      = errors.New("statement period is invalid")
	ErrNoStatementEntries = errors.New("no entries in the requested statement period")
	ErrAmountNotWholeUnit = errors.New("amount must be a whole currency unit")
)

// NotEligibleError is returned for a loan application whose eligibility score
// fell short of the threshold. It carries the score so the caller learns how
// far short the application fell. Unwraps to ErrNotEligible for errors.Is.
type NotEligibleError struct {
	Score int
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("loan application rejected: eligibility score %d is below the threshold", e.Score)
}

func (e *NotEligibleError) Unwrap() error { return ErrNotEligible }
