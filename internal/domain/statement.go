package domain

// Statement is a rendered monthly account statement: the month's entries in
// chronological order plus inflow/outflow totals and the closing balance.
type Statement struct {
	AccountNumber  string             `json:"account_number"`
	Month          int                `json:"month"`
	Year           int                `json:"year"`
	Entries        []TransactionEntry `json:"entries"`
	TotalIn        int64              `json:"total_in"`        // in cents
	TotalOut       int64              `json:"total_out"`       // in cents
	ClosingBalance int64              `json:"closing_balance"` // in cents
}
