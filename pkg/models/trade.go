package models

import "fmt"

// Trade is the canonical, venue-agnostic representation of one executed trade.
// Field names follow the output stream contract consumed downstream.
type Trade struct {
	InstrumentID string  `json:"product_id"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	TimestampMs  int64   `json:"timestamp_ms"`
}

// Validate checks the canonical record invariants. A Trade that fails
// validation must never be forwarded downstream.
func (t Trade) Validate() error {
	if t.InstrumentID == "" {
		return fmt.Errorf("trade: instrument id is empty")
	}
	if t.Price <= 0 {
		return fmt.Errorf("trade %s: price %v is not positive", t.InstrumentID, t.Price)
	}
	if t.Quantity <= 0 {
		return fmt.Errorf("trade %s: quantity %v is not positive", t.InstrumentID, t.Quantity)
	}
	if t.TimestampMs < 0 {
		return fmt.Errorf("trade %s: timestamp %d is negative", t.InstrumentID, t.TimestampMs)
	}
	return nil
}
