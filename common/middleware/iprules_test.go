package middleware

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIPRules(t *testing.T) {
	rules, err := ParseIPRules(" 10.0.0.0/8, 192.0.2.7 ,2001:db8::/32,, ")
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "10.0.0.0/8,192.0.2.7,2001:db8::/32", rules.String())

	empty, err := ParseIPRules("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParseIPRules_Invalid(t *testing.T) {
	for _, input := range []string{"not-an-ip", "10.0.0.0/33", "192.0.2.1,bogus/8"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseIPRules(input)
			assert.Error(t, err)
		})
	}
}

func TestIPRules_Contains(t *testing.T) {
	rules, err := ParseIPRules("10.0.0.0/8,192.0.2.7,2001:db8::/32")
	require.NoError(t, err)

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"11.0.0.1", false},
		{"192.0.2.7", true},
		{"192.0.2.8", false},
		{"::ffff:10.9.9.9", true},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.want, rules.Contains(netip.MustParseAddr(tt.ip)))
		})
	}

	assert.False(t, rules.Contains(netip.Addr{}))
}
