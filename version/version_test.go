package version

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.relaykit.dev/messaging"
)

func testTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestParse(t *testing.T) {
	t.Run("full triple", func(t *testing.T) {
		v, err := Parse("2.1.3")
		require.NoError(t, err)
		assert.Equal(t, New(2, 1, 3), v)
	})

	t.Run("short forms fill zeros", func(t *testing.T) {
		v, err := Parse("2")
		require.NoError(t, err)
		assert.Equal(t, New(2, 0, 0), v)

		v, err = Parse("2.1")
		require.NoError(t, err)
		assert.Equal(t, New(2, 1, 0), v)
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		for _, s := range []string{"", "a.b.c", "1.2.3.4", "-1.0.0", "1..2"} {
			_, err := Parse(s)
			assert.Error(t, err, "input %q", s)
		}
	})
}

func TestVersionOrdering(t *testing.T) {
	assert.True(t, New(1, 9, 9).Less(New(2, 0, 0)))
	assert.True(t, New(1, 1, 0).Less(New(1, 2, 0)))
	assert.True(t, New(1, 1, 1).Less(New(1, 1, 2)))
	assert.False(t, New(2, 0, 0).Less(New(2, 0, 0)))
	assert.Equal(t, 0, New(1, 2, 3).Compare(New(1, 2, 3)))

	assert.True(t, New(1, 0, 0).Compatible(New(1, 9, 0)))
	assert.False(t, New(1, 0, 0).Compatible(New(2, 0, 0)))

	assert.Equal(t, "1.2.3", New(1, 2, 3).String())
}

func TestVersionOf(t *testing.T) {
	t.Run("defaults to 1.0.0", func(t *testing.T) {
		msg := messaging.NewEvent("OrderPlaced", nil, testTime())
		v, err := VersionOf(msg)
		require.NoError(t, err)
		assert.Equal(t, New(1, 0, 0), v)
	})

	t.Run("reads string metadata", func(t *testing.T) {
		msg := messaging.NewEvent("OrderPlaced", nil, testTime())
		msg.SetMeta(MetaVersion, "2.1.0")
		v, err := VersionOf(msg)
		require.NoError(t, err)
		assert.Equal(t, New(2, 1, 0), v)
	})

	t.Run("reads typed metadata", func(t *testing.T) {
		msg := messaging.NewEvent("OrderPlaced", nil, testTime())
		msg.SetMeta(MetaVersion, New(3, 0, 0))
		v, err := VersionOf(msg)
		require.NoError(t, err)
		assert.Equal(t, New(3, 0, 0), v)
	})

	t.Run("rejects other types", func(t *testing.T) {
		msg := messaging.NewEvent("OrderPlaced", nil, testTime())
		msg.SetMeta(MetaVersion, 2)
		_, err := VersionOf(msg)
		require.Error(t, err)
		assert.Equal(t, messaging.ErrKindValidation, messaging.KindOf(err))
	})
}
