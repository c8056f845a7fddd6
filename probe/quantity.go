package probe

import (
	"fmt"
	"strconv"
	"strings"
)

var suffixes = map[byte]float64{
	'K': 1e3,
	'M': 1e6,
	'B': 1e9,
}

// ParseQuantity reads portal-formatted numbers such as "12,400", "1.2K",
// "3.5 M" or "< 10". Values prefixed with "<" resolve to the bound itself.
func ParseQuantity(s string) (float64, error) {
	raw := s
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimPrefix(s, "~")
	s = strings.NewReplacer(",", "", " ", "", "\u00a0", "", "\u202f", "").Replace(s)
	if s == "" {
		return 0, fmt.Errorf("probe: empty quantity %q", raw)
	}

	mult := 1.0
	last := s[len(s)-1]
	if m, ok := suffixes[last&^0x20]; ok && len(s) > 1 {
		mult = m
		s = s[:len(s)-1]
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("probe: parse quantity %q: %w", raw, err)
	}
	return v * mult, nil
}
