package idempotency

import (
	"net/http"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidator_Applies(t *testing.T) {
	v := NewValidator(defaultConfig())

	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, "post"} {
		assert.True(t, v.Applies(m), m)
	}
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		assert.False(t, v.Applies(m), m)
	}
}

func TestValidator_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		key     string
		wantErr error
	}{
		{name: "lowercase_uuid", key: "a0eebc11-9c0b-4ef8-bb6d-6bb9bd380a11"},
		{name: "uppercase_uuid", key: "A0EEBC11-9C0B-4EF8-BB6D-6BB9BD380A11"},
		{name: "empty", key: "", wantErr: ErrMissingKey},
		{name: "whitespace_only", key: "   ", wantErr: ErrMissingKey},
		{name: "not_a_uuid", key: "not-a-uuid", wantErr: ErrInvalidKeyFormat},
		{name: "uuid_without_dashes", key: "a0eebc119c0b4ef8bb6d6bb9bd380a11", wantErr: ErrInvalidKeyFormat},
		{name: "uuid_with_suffix", key: "a0eebc11-9c0b-4ef8-bb6d-6bb9bd380a11x", wantErr: ErrInvalidKeyFormat},
	}

	v := NewValidator(defaultConfig())
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.key)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestValidator_CustomPatternAndLength(t *testing.T) {
	cfg := defaultConfig()
	WithKeyPattern(regexp.MustCompile(`^[a-z0-9-]+$`))(cfg)
	WithKeyMaxLength(16)(cfg)
	WithMethods("post")(cfg)
	v := NewValidator(cfg)

	assert.NoError(t, v.Validate("order-123"))
	assert.ErrorIs(t, v.Validate("Order-123"), ErrInvalidKeyFormat)
	assert.ErrorIs(t, v.Validate(strings.Repeat("a", 17)), ErrInvalidKeyFormat)
	assert.True(t, v.Applies(http.MethodPost))
	assert.False(t, v.Applies(http.MethodPut))
}

func TestValidator_MaxLengthCountsCharacters(t *testing.T) {
	cfg := defaultConfig()
	WithKeyPattern(regexp.MustCompile(`^.+$`))(cfg)
	WithKeyMaxLength(16)(cfg)
	v := NewValidator(cfg)

	// 20 bytes but 10 characters
	assert.NoError(t, v.Validate(strings.Repeat("é", 10)))
	assert.NoError(t, v.Validate(strings.Repeat("é", 16)))
	assert.ErrorIs(t, v.Validate(strings.Repeat("é", 17)), ErrInvalidKeyFormat)
}
