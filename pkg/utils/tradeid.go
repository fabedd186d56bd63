package utils

import "github.com/google/uuid"

// NewTradeID returns the identifier that links every event of one trade
// from proposal through close.
func NewTradeID() string {
	return uuid.NewString()
}
