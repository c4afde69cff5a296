package models

import "time"

type SubjectKind string

const (
	SubjectReservation SubjectKind = "reservation"
	SubjectOrder       SubjectKind = "order"
)

// Subject identifies what a settlement pays out for.
type Subject struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

type PayeeRole string

const (
	PayeeOperator PayeeRole = "operator"
	PayeeVendor   PayeeRole = "vendor"
)

type Payee struct {
	Role       PayeeRole `json:"role"`
	PartyID    string    `json:"party_id"`
	Account    string    `json:"account,omitempty"`
	Amount     Money     `json:"amount"`
	TransferID string    `json:"transfer_id,omitempty"`
}

type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementProcessing SettlementStatus = "processing"
	SettlementCompleted  SettlementStatus = "completed"
	SettlementFailed     SettlementStatus = "failed"
)

// SettlementTransitions allows a failed settlement to be processed again;
// transfers already recorded are not reissued.
var SettlementTransitions = map[SettlementStatus][]SettlementStatus{
	SettlementPending:    {SettlementProcessing},
	SettlementFailed:     {SettlementProcessing},
	SettlementProcessing: {SettlementCompleted, SettlementFailed},
}

func (s SettlementStatus) CanTransition(to SettlementStatus) bool {
	return allowed(SettlementTransitions, s, to)
}

type Settlement struct {
	ID            string           `json:"id"`
	Subject       Subject          `json:"subject"`
	Total         Money            `json:"total"`
	PlatformFee   Money            `json:"platform_fee"`
	Payees        []Payee          `json:"payees"`
	Status        SettlementStatus `json:"status"`
	FailureReason string           `json:"failure_reason,omitempty"`
	ProcessedAt   *time.Time       `json:"processed_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// PayeeTotal sums every payee amount.
func (s Settlement) PayeeTotal() Money {
	var sum Money
	for _, p := range s.Payees {
		sum += p.Amount
	}
	return sum
}
