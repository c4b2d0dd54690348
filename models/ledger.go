package models

// LedgerState is the local view of the credit balance.
type LedgerState struct {
	FreeCreditsUsed bool `bson:"free_credits_used" json:"free_credits_used"`
	Credits         int  `bson:"credits" json:"credits"` // optimistic cache of the remote balance
	IsPremium       bool `bson:"is_premium" json:"is_premium"`
	// PendingRemoteDebits counts local decrements the remote ledger has not acknowledged yet.
	PendingRemoteDebits int `bson:"pending_remote_debits" json:"pending_remote_debits"`
}

// CanSubmit reports whether a new job may be submitted.
func (l LedgerState) CanSubmit() bool {
	return l.IsPremium || l.Credits > 0 || !l.FreeCreditsUsed
}
