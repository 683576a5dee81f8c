// Package models defines the market data signals carried through the
// broadcast core.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side of the aggressing order for a trade tick.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Tick is one market data update. Ticks are value types so ring slots can
// be pre-filled and reused without allocation.
type Tick struct {
	ID        uuid.UUID       `json:"id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      Side            `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewTick is the signal supplier used to pre-allocate ring slots.
func NewTick() Tick {
	return Tick{}
}

// DecodeTick parses a wire-format tick.
func DecodeTick(data []byte) (Tick, error) {
	var t Tick
	if err := json.Unmarshal(data, &t); err != nil {
		return Tick{}, err
	}
	return t, nil
}

// Encode renders the tick in wire format.
func (t Tick) Encode() ([]byte, error) {
	return json.Marshal(t)
}
