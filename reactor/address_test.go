package reactor

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewAddress(t *testing.T) {
	addr := NewAddress("127.0.0.1", 9000)
	require.Equal(t, "127.0.0.1", addr.IP())
	require.Equal(t, uint16(9000), addr.Port())
	require.Equal(t, uint16(unix.AF_INET), addr.Family())
	require.Equal(t, "127.0.0.1:9000", addr.String())
}
