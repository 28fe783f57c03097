package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryTargets(t *testing.T) {
	targets, err := DiscoveryTargets([]string{
		"192.168.1.0/24",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"255.255.255.255",
		"192.168.1.77/24", // same broadcast as the first entry
		"127.0.0.1/32",
	}, 9943)
	require.NoError(t, err)

	got := make([]string, len(targets))
	for i, target := range targets {
		got[i] = target.String()
	}
	assert.Equal(t, []string{
		"192.168.1.255:9943",
		"10.255.255.255:9943",
		"172.31.255.255:9943",
		"255.255.255.255:9943",
		"127.0.0.1:9943",
	}, got)
}

func TestDiscoveryTargetsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		subnets []string
		port    uint16
	}{
		{"ipv6 cidr", []string{"fe80::/64"}, 9943},
		{"ipv6 address", []string{"::1"}, 9943},
		{"garbage", []string{"not-a-subnet"}, 9943},
		{"bad prefix", []string{"10.0.0.0/40"}, 9943},
		{"zero port", []string{"10.0.0.0/8"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DiscoveryTargets(tt.subnets, tt.port)
			assert.True(t, errors.Is(err, ErrInvalidSubnet), "got %v", err)
		})
	}
}

func TestDefaultSubnetsAreValid(t *testing.T) {
	targets, err := DiscoveryTargets(DefaultSubnets, 9943)
	require.NoError(t, err)
	assert.Len(t, targets, len(DefaultSubnets))
}

func TestLocalSubnetsExpand(t *testing.T) {
	local, err := LocalSubnets()
	require.NoError(t, err)

	targets, err := DiscoveryTargets([]string{AutoSubnets}, 9943)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(targets), len(local))
}
