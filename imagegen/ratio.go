package imagegen

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type ratio struct {
	label string
	value float64
}

// Enumeration order is the tie-break order.
var supportedRatios = []ratio{
	{"1:1", 1},
	{"2:3", 2.0 / 3},
	{"3:2", 3.0 / 2},
	{"3:4", 3.0 / 4},
	{"4:3", 4.0 / 3},
	{"4:5", 4.0 / 5},
	{"5:4", 5.0 / 4},
	{"9:16", 9.0 / 16},
	{"16:9", 16.0 / 9},
	{"21:9", 21.0 / 9},
}

// ParseResolution splits "WxH" into positive dimensions.
func ParseResolution(s string) (int, int, error) {
	w, h, ok := strings.Cut(strings.TrimSpace(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid resolution %q: want WxH", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 || !allDigits(w) {
		return 0, 0, fmt.Errorf("invalid resolution width %q", w)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 || !allDigits(h) {
		return 0, 0, fmt.Errorf("invalid resolution height %q", h)
	}
	return width, height, nil
}

// AspectRatio returns the supported ratio closest to width/height.
func AspectRatio(width, height int) string {
	if width <= 0 || height <= 0 {
		return "1:1"
	}
	target := float64(width) / float64(height)
	best := supportedRatios[0]
	minDiff := math.Inf(1)
	for _, r := range supportedRatios {
		if d := math.Abs(r.value - target); d < minDiff {
			minDiff = d
			best = r
		}
	}
	return best.label
}

// ResolutionTier maps the longest side onto the upstream's size tiers.
func ResolutionTier(width, height int) string {
	maxDim := max(width, height)
	switch {
	case maxDim <= 1024:
		return "1K"
	case maxDim <= 2048:
		return "2K"
	default:
		return "4K"
	}
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
