// Package backtest replays recorded market windows through composed
// strategies, executing their decisions against simulated books with
// paper fills. The strategy pipeline contract is the live one: the
// same evaluation context, the same entry and exit semantics, the
// same binary settlement arithmetic.
package backtest

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// RecordedTick is one replay step: the spot print, the oracle print
// when one landed, and the top of both token books, all captured
// offset_ms after the window opened. Zero prices mean that source had
// nothing at this step.
type RecordedTick struct {
	OffsetMS int64   `json:"offset_ms"`
	Spot     float64 `json:"spot"`
	Oracle   float64 `json:"oracle,omitempty"`
	UpBid    float64 `json:"up_bid,omitempty"`
	UpAsk    float64 `json:"up_ask,omitempty"`
	DownBid  float64 `json:"down_bid,omitempty"`
	DownAsk  float64 `json:"down_ask,omitempty"`
}

// WindowRecording is one captured 15-minute market: its contract
// terms, the tick path, and the oracle print it settled on.
type WindowRecording struct {
	WindowID   string         `json:"window_id"`
	Symbol     string         `json:"symbol"`
	OpenEpoch  int64          `json:"open_epoch"`
	CloseEpoch int64          `json:"close_epoch"`
	Strike     float64        `json:"strike"`
	FinalPrice float64        `json:"final_price"`
	Ticks      []RecordedTick `json:"ticks"`
}

// Validate checks one recording and sorts its ticks into replay order.
func (w *WindowRecording) Validate() error {
	if w.WindowID == "" {
		return fmt.Errorf("recording missing window_id")
	}
	if w.Symbol == "" {
		return fmt.Errorf("recording %s: missing symbol", w.WindowID)
	}
	if w.CloseEpoch <= w.OpenEpoch {
		return fmt.Errorf("recording %s: close_epoch %d not after open_epoch %d",
			w.WindowID, w.CloseEpoch, w.OpenEpoch)
	}
	if w.Strike <= 0 {
		return fmt.Errorf("recording %s: strike must be positive", w.WindowID)
	}
	if w.FinalPrice <= 0 {
		return fmt.Errorf("recording %s: final_price is required to score the window", w.WindowID)
	}
	if len(w.Ticks) == 0 {
		return fmt.Errorf("recording %s: no ticks", w.WindowID)
	}

	sort.SliceStable(w.Ticks, func(i, j int) bool {
		return w.Ticks[i].OffsetMS < w.Ticks[j].OffsetMS
	})

	spanMS := (w.CloseEpoch - w.OpenEpoch) * 1000
	for _, t := range w.Ticks {
		if t.OffsetMS < 0 || t.OffsetMS > spanMS {
			return fmt.Errorf("recording %s: tick offset %dms outside the window span %dms",
				w.WindowID, t.OffsetMS, spanMS)
		}
	}
	return nil
}

// ReadRecordings loads a recording file: a JSON array of windows.
// Windows are validated and returned sorted by open time.
func ReadRecordings(path string) ([]WindowRecording, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recordings: %w", err)
	}
	return DecodeRecordings(raw)
}

// DecodeRecordings parses and validates recorded windows from JSON.
func DecodeRecordings(raw []byte) ([]WindowRecording, error) {
	var recordings []WindowRecording
	if err := json.Unmarshal(raw, &recordings); err != nil {
		return nil, fmt.Errorf("parsing recordings: %w", err)
	}
	if len(recordings) == 0 {
		return nil, fmt.Errorf("recording file holds no windows")
	}

	seen := make(map[string]bool, len(recordings))
	for i := range recordings {
		if err := recordings[i].Validate(); err != nil {
			return nil, err
		}
		if seen[recordings[i].WindowID] {
			return nil, fmt.Errorf("recording %s appears twice", recordings[i].WindowID)
		}
		seen[recordings[i].WindowID] = true
	}

	sort.SliceStable(recordings, func(i, j int) bool {
		return recordings[i].OpenEpoch < recordings[j].OpenEpoch
	})
	return recordings, nil
}
