package config

import (
	"fmt"
	"strconv"
	"strings"
)

var byteUnits = []struct {
	suffix string
	size   uint64
}{
	{"g", 1 << 30},
	{"m", 1 << 20},
	{"k", 1 << 10},
}

// parseBytes reads sizes like "512", "64k", "4mb" or "1.5GB" (binary units).
func parseBytes(s string) (int64, error) {
	num := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "b")
	mult := uint64(1)
	for _, u := range byteUnits {
		if strings.HasSuffix(num, u.suffix) {
			num, mult = strings.TrimSuffix(num, u.suffix), u.size
			break
		}
	}
	num = strings.TrimSpace(num)
	if num == "" {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return int64(v * float64(mult)), nil
}

// FormatBytes renders b with one decimal in the largest unit that fits.
func FormatBytes(b uint64) string {
	for _, u := range byteUnits {
		if b >= u.size {
			v := strconv.FormatFloat(float64(b)/float64(u.size), 'f', 1, 64)
			return strings.TrimSuffix(v, ".0") + u.suffix + "b"
		}
	}
	return strconv.FormatUint(b, 10) + "b"
}
