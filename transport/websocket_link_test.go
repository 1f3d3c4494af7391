package transport

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTrimControlReason(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   string
	}{
		{name: "short", reason: "bye", want: "bye"},
		{name: "exact", reason: strings.Repeat("a", maxControlReason), want: strings.Repeat("a", maxControlReason)},
		{name: "ascii", reason: strings.Repeat("a", maxControlReason+5), want: strings.Repeat("a", maxControlReason)},
		// 61 two-byte runes fill 122 bytes; the 62nd would straddle the limit.
		{name: "multibyte", reason: strings.Repeat("é", 70), want: strings.Repeat("é", 61)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := trimControlReason(tt.reason)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), maxControlReason)
		})
	}
}
