package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseByteSize parses sizes such as "512", "10MB" or "1KiB". KB, MB and GB
// are decimal; KiB, MiB and GiB are binary. Underscores group digits.
func ParseByteSize(s string) (int64, error) {
	in := strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if in == "" {
		return 0, fmt.Errorf("empty size")
	}
	if strings.HasPrefix(in, "-") {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	n, err := humanize.ParseBytes(in)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size overflow %q", s)
	}
	return int64(n), nil
}
