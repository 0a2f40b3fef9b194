package idempotency

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Validator decides whether a request is subject to deduplication and
// whether its key is acceptable.
type Validator struct {
	methods   map[string]struct{}
	pattern   *regexp.Regexp
	maxLength int
}

// NewValidator builds a Validator from the method set, key pattern and length limit of cfg
func NewValidator(cfg *Config) *Validator {
	methods := make(map[string]struct{}, len(cfg.Methods))
	for _, m := range cfg.Methods {
		methods[strings.ToUpper(m)] = struct{}{}
	}
	return &Validator{
		methods:   methods,
		pattern:   cfg.KeyPattern,
		maxLength: cfg.KeyMaxLength,
	}
}

// Applies reports whether method is one of the configured state-changing methods
func (v *Validator) Applies(method string) bool {
	_, ok := v.methods[strings.ToUpper(method)]
	return ok
}

// Validate checks the key of an applicable request
func (v *Validator) Validate(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrMissingKey
	}
	if v.maxLength > 0 && utf8.RuneCountInString(key) > v.maxLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidKeyFormat, v.maxLength)
	}
	if v.pattern != nil && !v.pattern.MatchString(key) {
		return ErrInvalidKeyFormat
	}
	return nil
}
