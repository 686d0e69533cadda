package ipaddr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatAddressPort(t *testing.T) {
	for _, tt := range []struct {
		address string
		port    int
		want    string
	}{
		{"0.0.0.0", 15006, "0.0.0.0:15006"},
		{"10.0.0.5", 80, "10.0.0.5:80"},
		{"::", 15006, "[::]:15006"},
		{"fe80::1", 9090, "[fe80::1]:9090"},
	} {
		require.Equal(t, tt.want, FormatAddressPort(tt.address, tt.port))
	}
}

func TestIsAny(t *testing.T) {
	require.True(t, IsAny("0.0.0.0"))
	require.True(t, IsAny("::"))
	require.True(t, IsAny("[::]"))
	require.True(t, IsAny(net.ParseIP("0.0.0.0")))
	require.False(t, IsAny("10.0.0.5"))
	require.False(t, IsAny("fe80::1"))
}

func TestParseSingleIP(t *testing.T) {
	ip, err := ParseSingleIP("127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", ip)

	_, err = ParseSingleIP("127.0.0.1 127.0.0.2")
	require.Error(t, err)
}
