package uuid

import (
	"testing"

	guuid "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsUUID7(t *testing.T) {
	t.Parallel()

	gen := New()
	raw, err := gen.NewRawID()
	require.NoError(t, err)
	require.Equal(t, guuid.Version(7), raw.Version())

	str, err := gen.NewID()
	require.NoError(t, err)
	parsed, err := guuid.Parse(str)
	require.NoError(t, err)
	require.Equal(t, guuid.Version(7), parsed.Version())
}

func TestNewIDsAreOrdered(t *testing.T) {
	t.Parallel()

	gen := New()
	a, err := gen.NewID()
	require.NoError(t, err)
	b, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
