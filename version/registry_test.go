package version

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.relaykit.dev/messaging"
)

// hop registers a pass-through converter covering min..max.
func hop(t *testing.T, r *Registry, msgType string, min, max Version) {
	t.Helper()
	err := r.Register(ConverterFunc{
		Type: msgType,
		Min:  min,
		Max:  max,
		Fn: func(ctx context.Context, msg *messaging.Envelope, from, to Version) (*messaging.Envelope, error) {
			return msg, nil
		},
	})
	require.NoError(t, err)
}

func TestRegistry_FindPath(t *testing.T) {
	t.Run("equal endpoints yield empty path", func(t *testing.T) {
		r := NewRegistry()
		p := r.FindPath("OrderPlaced", New(1, 0, 0), New(1, 0, 0))
		require.NotNil(t, p)
		assert.Len(t, p, 0)
	})

	t.Run("direct converter wins over chains", func(t *testing.T) {
		r := NewRegistry()
		hop(t, r, "OrderPlaced", New(1, 0, 0), New(2, 0, 0))
		hop(t, r, "OrderPlaced", New(2, 0, 0), New(3, 0, 0))
		hop(t, r, "OrderPlaced", New(1, 0, 0), New(3, 0, 0))

		p := r.FindPath("OrderPlaced", New(1, 0, 0), New(3, 0, 0))
		require.Len(t, p, 1)
		assert.Equal(t, New(1, 0, 0), p[0].From)
		assert.Equal(t, New(3, 0, 0), p[0].To)
	})

	t.Run("multi-hop chain", func(t *testing.T) {
		r := NewRegistry()
		hop(t, r, "OrderPlaced", New(1, 0, 0), New(2, 0, 0))
		hop(t, r, "OrderPlaced", New(2, 0, 0), New(3, 0, 0))

		p := r.FindPath("OrderPlaced", New(1, 0, 0), New(3, 0, 0))
		require.Len(t, p, 2)
		assert.Equal(t, New(1, 0, 0), p[0].From)
		assert.Equal(t, New(2, 0, 0), p[0].To)
		assert.Equal(t, New(2, 0, 0), p[1].From)
		assert.Equal(t, New(3, 0, 0), p[1].To)
	})

	t.Run("no path is nil", func(t *testing.T) {
		r := NewRegistry()
		hop(t, r, "OrderPlaced", New(1, 0, 0), New(2, 0, 0))

		assert.Nil(t, r.FindPath("OrderPlaced", New(1, 0, 0), New(4, 0, 0)))
		assert.Nil(t, r.FindPath("Unregistered", New(1, 0, 0), New(2, 0, 0)))
	})

	t.Run("registration invalidates cached paths", func(t *testing.T) {
		r := NewRegistry()
		hop(t, r, "OrderPlaced", New(1, 0, 0), New(2, 0, 0))
		hop(t, r, "OrderPlaced", New(2, 0, 0), New(3, 0, 0))

		p := r.FindPath("OrderPlaced", New(1, 0, 0), New(3, 0, 0))
		require.Len(t, p, 2)

		// A direct converter registered later replaces the cached chain.
		hop(t, r, "OrderPlaced", New(1, 0, 0), New(3, 0, 0))
		p = r.FindPath("OrderPlaced", New(1, 0, 0), New(3, 0, 0))
		require.Len(t, p, 1)
	})
}

func TestRegistry_RegisterRejectsInvertedRange(t *testing.T) {
	r := NewRegistry()
	err := r.Register(ConverterFunc{
		Type: "OrderPlaced",
		Min:  New(2, 0, 0),
		Max:  New(1, 0, 0),
		Fn: func(ctx context.Context, msg *messaging.Envelope, from, to Version) (*messaging.Envelope, error) {
			return msg, nil
		},
	})
	require.Error(t, err)
	assert.Equal(t, messaging.ErrKindConfiguration, messaging.KindOf(err))
}

func TestRegistry_ConvertTo(t *testing.T) {
	t.Run("chains steps and stamps the version", func(t *testing.T) {
		r := NewRegistry()
		var hops []string
		register := func(min, max Version) {
			require.NoError(t, r.Register(ConverterFunc{
				Type: "OrderPlaced",
				Min:  min,
				Max:  max,
				Fn: func(ctx context.Context, msg *messaging.Envelope, from, to Version) (*messaging.Envelope, error) {
					hops = append(hops, from.String()+">"+to.String())
					return msg, nil
				},
			}))
		}
		register(New(1, 0, 0), New(2, 0, 0))
		register(New(2, 0, 0), New(3, 0, 0))

		msg := messaging.NewEvent("OrderPlaced", nil, testTime())
		got, err := r.ConvertTo(context.Background(), msg, New(3, 0, 0))
		require.NoError(t, err)

		assert.Equal(t, []string{"1.0.0>2.0.0", "2.0.0>3.0.0"}, hops)
		v, ok := got.Meta(MetaVersion)
		require.True(t, ok)
		assert.Equal(t, "3.0.0", v)
	})

	t.Run("missing path", func(t *testing.T) {
		r := NewRegistry()
		msg := messaging.NewEvent("OrderPlaced", nil, testTime())
		_, err := r.ConvertTo(context.Background(), msg, New(2, 0, 0))
		require.Error(t, err)
		assert.True(t, errors.Is(err, messaging.ErrConversionMissing))
	})

	t.Run("step failure names the hop", func(t *testing.T) {
		r := NewRegistry()
		hop(t, r, "OrderPlaced", New(1, 0, 0), New(2, 0, 0))
		boom := errors.New("unknown field")
		require.NoError(t, r.Register(ConverterFunc{
			Type: "OrderPlaced",
			Min:  New(2, 0, 0),
			Max:  New(3, 0, 0),
			Fn: func(ctx context.Context, msg *messaging.Envelope, from, to Version) (*messaging.Envelope, error) {
				return nil, boom
			},
		}))

		msg := messaging.NewEvent("OrderPlaced", nil, testTime())
		_, err := r.ConvertTo(context.Background(), msg, New(3, 0, 0))
		require.Error(t, err)
		assert.True(t, errors.Is(err, boom))
		assert.Contains(t, err.Error(), "step 1")
		assert.Equal(t, messaging.ErrKindConversion, messaging.KindOf(err))
	})

	t.Run("already at target is a no-op", func(t *testing.T) {
		r := NewRegistry()
		msg := messaging.NewEvent("OrderPlaced", nil, testTime())
		msg.SetMeta(MetaVersion, "2.0.0")
		got, err := r.ConvertTo(context.Background(), msg, New(2, 0, 0))
		require.NoError(t, err)
		assert.Same(t, msg, got)
	})
}

func TestRegistry_Validate(t *testing.T) {
	t.Run("same version is valid", func(t *testing.T) {
		r := NewRegistry()
		msg := messaging.NewEvent("OrderPlaced", nil, testTime())
		warnings, err := r.Validate(msg, New(1, 0, 0))
		require.NoError(t, err)
		assert.Empty(t, warnings)
	})

	t.Run("newer compatible version is valid without a path", func(t *testing.T) {
		r := NewRegistry()
		msg := messaging.NewEvent("OrderPlaced", nil, testTime())
		msg.SetMeta(MetaVersion, "1.5.0")
		_, err := r.Validate(msg, New(1, 0, 0))
		assert.NoError(t, err)
	})

	t.Run("older version needs a path", func(t *testing.T) {
		r := NewRegistry()
		msg := messaging.NewEvent("OrderPlaced", nil, testTime())
		_, err := r.Validate(msg, New(2, 0, 0))
		require.Error(t, err)
		assert.True(t, errors.Is(err, messaging.ErrConversionMissing))

		hop(t, r, "OrderPlaced", New(1, 0, 0), New(2, 0, 0))
		_, err = r.Validate(msg, New(2, 0, 0))
		assert.NoError(t, err)
	})

	t.Run("deprecated metadata warns", func(t *testing.T) {
		r := NewRegistry()
		msg := messaging.NewEvent("OrderPlaced", nil, testTime())
		msg.SetMeta("deprecated", true)
		warnings, err := r.Validate(msg, New(1, 0, 0))
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "deprecated")
	})
}
