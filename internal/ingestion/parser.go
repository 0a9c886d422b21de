package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// NAVFeedUpdate is a validated oracle observation ready for the vault.
type NAVFeedUpdate struct {
	UpdateID    string
	Source      string
	NAV         *uint256.Int
	TotalAssets *uint256.Int
	ObservedAt  time.Time
}

// navFeedJSON is the wire format published by oracle reporters.
// Amounts travel as decimal strings because they exceed int64.
type navFeedJSON struct {
	UpdateID     string `json:"update_id"`
	Source       string `json:"source"`
	NAV          string `json:"nav"`
	TotalAssets  string `json:"total_assets"`
	ObservedAtUs int64  `json:"observed_at_us"`
}

// ParseFeedUpdate validates and converts a raw feed message. Malformed
// messages are terminal: they are counted and acked, never retried.
func ParseFeedUpdate(data []byte) (*NAVFeedUpdate, error) {
	var j navFeedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse nav update: %w", err)
	}

	if j.UpdateID == "" {
		return nil, fmt.Errorf("parse nav update: missing update_id")
	}
	if j.Source == "" {
		return nil, fmt.Errorf("parse nav update: missing source")
	}

	nav, err := uint256.FromDecimal(j.NAV)
	if err != nil {
		return nil, fmt.Errorf("parse nav %q: %w", j.NAV, err)
	}
	totalAssets, err := uint256.FromDecimal(j.TotalAssets)
	if err != nil {
		return nil, fmt.Errorf("parse total_assets %q: %w", j.TotalAssets, err)
	}
	if j.ObservedAtUs <= 0 {
		return nil, fmt.Errorf("parse nav update: invalid observed_at_us %d", j.ObservedAtUs)
	}

	return &NAVFeedUpdate{
		UpdateID:    j.UpdateID,
		Source:      j.Source,
		NAV:         nav,
		TotalAssets: totalAssets,
		ObservedAt:  time.UnixMicro(j.ObservedAtUs),
	}, nil
}
