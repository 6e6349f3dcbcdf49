package models

import "time"

// ActiveCall is a read-only view of a call that has not been finalized yet.
type ActiveCall struct {
	CallSID       string    `json:"call_sid"`
	StartTime     time.Time `json:"start_time"`
	LastActivity  time.Time `json:"last_activity"`
	ExchangeCount int       `json:"exchange_count"`
}
