// Package capture turns raw barcode text into at most one accepted scan per cooldown window.
package capture

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Payload is the decoded content of a QR code.
type Payload struct {
	Kind      string
	SubjectID string
	IssuedAt  *time.Time
	// Legacy is true when the raw text was not a structured payload and is used verbatim.
	Legacy bool
}

// Timestamps are clamped to years 1 through 9999; beyond that time.UnixMilli overflows.
var (
	minIssuedMillis = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	maxIssuedMillis = time.Date(9999, time.December, 31, 23, 59, 59, 999e6, time.UTC).UnixMilli()
)

type wirePayload struct {
	Kind json.RawMessage `json:"t"`
	ID   *string         `json:"i"`
	TS   json.RawMessage `json:"ts"`
}

// Decode parses {"t":..., "i":..., "ts":...} payloads. Anything else, including JSON without a
// string "i", is treated as a bare identifier. Decode never fails.
func Decode(raw string) Payload {
	trimmed := strings.TrimSpace(raw)
	fallback := Payload{SubjectID: trimmed, Legacy: true}
	if !strings.HasPrefix(trimmed, "{") {
		return fallback
	}

	var wire wirePayload
	if err := json.Unmarshal([]byte(trimmed), &wire); err != nil {
		return fallback
	}
	if wire.ID == nil || strings.TrimSpace(*wire.ID) == "" {
		return fallback
	}

	p := Payload{SubjectID: strings.TrimSpace(*wire.ID)}
	_ = json.Unmarshal(wire.Kind, &p.Kind)
	if ts, ok := epochMillis(wire.TS); ok {
		issued := time.UnixMilli(clampMillis(ts))
		p.IssuedAt = &issued
	}
	return p
}

// epochMillis accepts only JSON number literals; quoted or null timestamps are ignored.
func epochMillis(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return 0, false
	}
	n := json.Number(raw)
	if v, err := n.Int64(); err == nil {
		return v, true
	}
	f, err := n.Float64()
	if math.IsNaN(f) || (err != nil && !math.IsInf(f, 0)) {
		return 0, false
	}
	switch {
	case f >= float64(maxIssuedMillis):
		return maxIssuedMillis, true
	case f <= float64(minIssuedMillis):
		return minIssuedMillis, true
	}
	return int64(f), true
}

func clampMillis(ms int64) int64 {
	switch {
	case ms > maxIssuedMillis:
		return maxIssuedMillis
	case ms < minIssuedMillis:
		return minIssuedMillis
	}
	return ms
}
