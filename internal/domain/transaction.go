/**
 * @description
 * This file defines the ledger entry model for the wallet-service. An entry is
 * the immutable record of one balance-affecting event: a top-up, a withdrawal,
 * or a wallet-to-wallet transfer.
 *
 * @notes
 * - A transfer is recorded as a single dual-entry row carrying both the sender
 *   and the recipient account references, so each party can query its side of
 *   the movement from one auditable record.
 * - Entries are append-only. The only permitted status transition is on a
 *   pending external-payment deposit when its callback arrives.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Entry types. These are the only balance-affecting event kinds the ledger
// records.
const (
	EntryTypeTopUp    = "top_up"
	EntryTypeWithdraw = "withdraw"
	EntryTypeTransfer = "transfer"
)

// Entry statuses.
const (
	EntryStatusPending   = "pending"
	EntryStatusCompleted = "completed"
	EntryStatusFailed    = "failed"
)

// TransactionEntry represents one immutable ledger record. This struct maps
// directly to the `transaction_entries` table.
type TransactionEntry struct {
	ID                 uuid.UUID  `json:"id"`
	Type               string     `json:"type"`   // 'top_up', 'withdraw', 'transfer'
	Status             string     `json:"status"` // 'pending', 'completed', 'failed'
	Amount             int64      `json:"amount"` // in cents, always positive
	SenderAccountID    *uuid.UUID `json:"sender_account_id,omitempty"`
	RecipientAccountID *uuid.UUID `json:"recipient_account_id,omitempty"`
	Description        string     `json:"description"`
	CreatedAt          time.Time  `json:"created_at"`
}

// EntryMeta describes the entry a balance mutation appends alongside the new
// balance. The store fills in id, status, and timestamp.
type EntryMeta struct {
	Type        string
	Description string
}

// EntryFilter narrows ListEntries queries. Zero values mean "no constraint".
type EntryFilter struct {
	Type      string
	MinAmount int64
	MaxAmount int64
	StartDate time.Time
	EndDate   time.Time
	Limit     int
	Offset    int
}

// StatementPeriod selects the entries feeding a monthly account statement.
type StatementPeriod struct {
	Month int
	Year  int
}
