package slice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContain(t *testing.T) {
	require.True(t, Contain([]string{"memory", "postgresql"}, "memory"))
	require.False(t, Contain([]string{"memory", "postgresql"}, "mysql"))
	require.False(t, Contain(nil, 1))
}
