package extract

import (
	"bb-watcher/pkg/watcher"
	"math"
	"strconv"
	"strings"
)

// IsMissing reports whether a grade or points cell is empty or holds one of
// the portal's "no value" sentinels.
func IsMissing(raw string) bool {
	switch strings.TrimSpace(raw) {
	case "", "-", "—", "–":
		return true
	}
	return false
}

// ParseNumber parses a numeric cell, ignoring thousands separators.
// Returns nil for missing or non-numeric values.
func ParseNumber(raw string) *float64 {
	if IsMissing(raw) {
		return nil
	}
	val := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if n, err := strconv.ParseInt(val, 10, 64); err == nil {
		f := float64(n)
		return &f
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// ParseGrade parses a grade cell. A grade may legitimately hold a status
// word, which is kept as text when the cell is not numeric.
func ParseGrade(raw string) watcher.Score {
	if IsMissing(raw) {
		return watcher.Score{}
	}
	if n := ParseNumber(raw); n != nil {
		return watcher.Score{Number: n}
	}
	return watcher.Score{Text: strings.TrimSpace(raw)}
}
