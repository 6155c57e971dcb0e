/**
 * @description
 * This file contains the M-Pesa deposit flow: STK push initiation and the
 * asynchronous callback reconciliation. Initiation records a pending deposit
 * keyed on the gateway's checkout request id; reconciliation settles that
 * record and credits the wallet exactly once, no matter how many times the
 * gateway retries the callback.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/smartbank/wallet-service/internal/domain"
)

// resultCodeCancelled is the Daraja result code for a user-cancelled prompt.
const resultCodeCancelled = 1032

// InitiateSTKPush requests a payment prompt on the user's phone and records
// the pending deposit. The wallet is not credited until the result callback
// confirms payment.
func (s *Service) InitiateSTKPush(ctx context.Context, userID uuid.UUID, req domain.STKPushRequest) (*domain.MpesaTransaction, error) {
	// 1. Validate the request.
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Amount%100 != 0 {
		// Daraja settles in whole shillings.
		return nil, ErrAmountNotWholeUnit
	}
	if !domain.ValidMpesaPhone(req.Phone) {
		return nil, ErrInvalidPhoneNumber
	}

	// 2. The depositor must have a wallet to credit.
	account, err := s.repo.FindAccountByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	reference := req.Reference
	if reference == "" {
		reference = account.AccountNumber
	}
	description := req.Description
	if description == "" {
		description = "Wallet deposit"
	}

	// 3. Initiate the push with the gateway.
	pushResp, err := s.darajaClient.InitiateSTKPush(ctx, req.Phone, req.Amount/100, reference, description)
	if err != nil {
		return nil, err
	}

	// 4. Record the pending deposit keyed on the checkout request id.
	mt := &domain.MpesaTransaction{
		ID:                uuid.New(),
		UserID:            userID,
		PhoneNumber:       req.Phone,
		Amount:            req.Amount,
		AccountReference:  reference,
		Description:       description,
		CheckoutRequestID: pushResp.CheckoutRequestID,
		MerchantRequestID: pushResp.MerchantRequestID,
		Status:            domain.MpesaStatusPending,
	}
	if err := s.repo.CreateMpesaTransaction(ctx, mt); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"stk push initiated\" user_id=%s checkout_request_id=%s", userID, mt.CheckoutRequestID)
	return mt, nil
}

// ReconcileSTKCallback settles a Daraja result callback against the pending
// deposit it correlates to. A success credits the wallet atomically with the
// settlement; any non-zero result marks the deposit failed (or cancelled)
// with no balance change. Duplicate callbacks are acknowledged without
// re-crediting.
func (s *Service) ReconcileSTKCallback(ctx context.Context, cb domain.STKCallback) (*domain.ReconcileOutcome, error) {
	// 1. Resolve the deposit record.
	mt, err := s.repo.FindMpesaTransactionByCheckoutID(ctx, cb.CheckoutRequestID)
	if err != nil {
		return nil, err
	}

	// 2. Already settled: acknowledge the duplicate without touching state.
	if mt.Status != domain.MpesaStatusPending {
		log.Printf("level=info component=service msg=\"duplicate stk callback ignored\" checkout_request_id=%s status=%s", mt.CheckoutRequestID, mt.Status)
		return &domain.ReconcileOutcome{
			CheckoutRequestID: mt.CheckoutRequestID,
			Status:            mt.Status,
			Duplicate:         true,
		}, nil
	}

	// 3. Failure or cancellation: record the outcome, no credit.
	if cb.ResultCode != 0 {
		if err := s.repo.FailMpesaTransaction(ctx, cb.CheckoutRequestID, cb.ResultCode, cb.ResultDesc); err != nil {
			return nil, err
		}
		status := domain.MpesaStatusFailed
		if cb.ResultCode == resultCodeCancelled {
			status = domain.MpesaStatusCancelled
		}
		log.Printf("level=info component=service msg=\"stk deposit failed\" checkout_request_id=%s result_code=%d", cb.CheckoutRequestID, cb.ResultCode)
		return &domain.ReconcileOutcome{
			CheckoutRequestID: cb.CheckoutRequestID,
			Status:            status,
		}, nil
	}

	// 4. Success: settle the record and credit the wallet in one transaction.
	settled, err := s.repo.CompleteMpesaDepositAtomic(ctx, cb.CheckoutRequestID, cb.MpesaReceiptNumber, cb.ResultCode, cb.ResultDesc)
	if err != nil {
		return nil, err
	}
	if settled.Status != domain.MpesaStatusCompleted {
		// Lost a race with a concurrent callback delivery.
		return &domain.ReconcileOutcome{
			CheckoutRequestID: settled.CheckoutRequestID,
			Status:            settled.Status,
			Duplicate:         true,
		}, nil
	}
	log.Printf("level=info component=service msg=\"stk deposit completed\" checkout_request_id=%s receipt=%s", settled.CheckoutRequestID, settled.MpesaReceiptNumber)

	// 5. Notify.
	s.publishEvent(domain.EventMpesaDepositCompleted, domain.MpesaDepositEvent{
		CheckoutRequestID:  settled.CheckoutRequestID,
		UserID:             settled.UserID,
		Amount:             settled.Amount,
		MpesaReceiptNumber: settled.MpesaReceiptNumber,
		Timestamp:          time.Now().UTC(),
	})
	return &domain.ReconcileOutcome{
		CheckoutRequestID: settled.CheckoutRequestID,
		Status:            settled.Status,
		Credited:          true,
	}, nil
}
