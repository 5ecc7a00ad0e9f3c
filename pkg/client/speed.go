package client

import (
	"strconv"
	"strings"
)

// FormatSpeed formats a speed in bits per second using the largest unit
// that keeps the value above one, e.g. "94.3mbps" or "512kbps". Values in
// (0, 1] format as the empty string.
func FormatSpeed(bps float64) string {
	if bps <= 1 && bps != 0 {
		return ""
	}
	var s string
	switch {
	case bps >= 1e12:
		s = strconv.FormatFloat(bps/1e12, 'f', 1, 64) + "tbps"
	case bps >= 1e9:
		s = strconv.FormatFloat(bps/1e9, 'f', 1, 64) + "gbps"
	case bps >= 1e6:
		s = strconv.FormatFloat(bps/1e6, 'f', 1, 64) + "mbps"
	case bps >= 1e3:
		s = strconv.FormatFloat(bps/1e3, 'f', 0, 64) + "kbps"
	default:
		s = strconv.FormatFloat(bps, 'f', 0, 64) + "bps"
	}
	return strings.Replace(s, ".0", "", 1)
}
