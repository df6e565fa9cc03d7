package models

import "time"

// Obligation is an overdue-payment record driving the reminder campaign.
// Read-only to this subsystem.
type Obligation struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	CustomerName    string    `json:"customer_name"`
	CustomerContact string    `json:"customer_contact"`
	Amount          float64   `json:"amount"`
	Currency        string    `json:"currency"`
	DueDate         time.Time `json:"due_date"`
}

// DaysOverdue reports how many whole days the obligation is past due as
// of the given date. Zero when due today or in the future.
func (o Obligation) DaysOverdue(asOf time.Time) int {
	days := int(asOf.Sub(o.DueDate).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
