package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ParseDurationField parses a Go duration string. Empty means zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalid, "%s: invalid duration %q: %v", path, raw, err)
	}
	if d < 0 {
		return 0, errors.Wrapf(ErrInvalid, "%s: duration must be >= 0", path)
	}
	return d, nil
}
