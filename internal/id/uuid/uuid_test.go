package uuid

import (
	"testing"
	"time"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewIDIsTimeOrdered(t *testing.T) {
	t.Parallel()

	gen := NewUUIDGenerator()
	prev := ""
	for i := 0; i < 50; i++ {
		id, err := gen.NewID()
		require.NoError(t, err)
		parsed, err := goUUID.Parse(id)
		require.NoError(t, err)
		require.EqualValues(t, 7, parsed.Version())
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestCreatedAt(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	id, err := NewUUIDGenerator().NewID()
	require.NoError(t, err)

	ts, err := CreatedAt(id)
	require.NoError(t, err)
	require.WithinRange(t, ts, before, time.Now().Add(time.Second))

	_, err = CreatedAt(goUUID.NewString())
	require.Error(t, err)
	_, err = CreatedAt("not-a-uuid")
	require.Error(t, err)
}
