package tuning

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHugePagesFor(t *testing.T) {
	require.Equal(t, uint64(0), HugePagesFor(0))
	require.Equal(t, uint64(1), HugePagesFor(1))
	require.Equal(t, uint64(1), HugePagesFor(hugePageSize))
	require.Equal(t, uint64(2), HugePagesFor(hugePageSize+1))
	require.Equal(t, uint64(1168), HugePagesFor(2336*1024*1024))
}

func TestCPUSummary(t *testing.T) {
	require.NotEmpty(t, CPUSummary())
}
