package vcode_test

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/autoverify/internal/vcode"
)

func TestValidate_Boundaries(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr error
	}{
		{name: "empty", code: "", wantErr: vcode.ErrEmpty},
		{name: "length 7", code: strings.Repeat("A", 7), wantErr: vcode.ErrLength},
		{name: "length 8", code: strings.Repeat("A", 8)},
		{name: "length 32", code: strings.Repeat("9", 32)},
		{name: "length 33", code: strings.Repeat("9", 33), wantErr: vcode.ErrLength},
		{name: "mixed case", code: "abcDEF123"},
		{name: "hyphen", code: "ABCD-1234", wantErr: vcode.ErrInvalidChar},
		{name: "space", code: "ABCD 1234", wantErr: vcode.ErrInvalidChar},
		{name: "non ascii letter", code: "ABCDé1234", wantErr: vcode.ErrInvalidChar},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := vcode.Validate(tt.code)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidate_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("alphanumeric codes are accepted exactly when 8 <= len <= 32", prop.ForAll(
		func(code string) bool {
			ok := vcode.Validate(code) == nil
			return ok == (len(code) >= vcode.MinLength && len(code) <= vcode.MaxLength)
		},
		gen.AlphaNumString(),
	))

	properties.Property("any punctuation rejects an otherwise valid code", prop.ForAll(
		func(n int, pos int, punct rune) bool {
			code := []byte(strings.Repeat("A", n))
			code[pos%n] = byte(punct)
			return vcode.Validate(string(code)) != nil
		},
		gen.IntRange(vcode.MinLength, vcode.MaxLength),
		gen.IntRange(0, 1000),
		gen.OneConstOf('-', '_', '.', '!', ' ', '#', '/', '+'),
	))

	properties.TestingRun(t)
}

func TestGenerate(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		code, err := vcode.Generate(16)
		require.NoError(t, err)
		require.Len(t, code, 16)
		require.NoError(t, vcode.Validate(code))
		assert.Equal(t, strings.ToUpper(code), code)
		seen[code] = struct{}{}
	}
	assert.Len(t, seen, 50)

	_, err := vcode.Generate(4)
	assert.ErrorIs(t, err, vcode.ErrLength)
}

func TestFixed(t *testing.T) {
	code, err := vcode.Fixed("K3F9QZ2Y7PLM1ABC")()
	require.NoError(t, err)
	assert.Equal(t, "K3F9QZ2Y7PLM1ABC", code)
}
