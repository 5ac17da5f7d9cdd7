package symbiosome

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryListeners(t *testing.T) {
	reg := newOriginRegistry("https://self.example")
	noop := func(Origin, []byte) {}

	require.NoError(t, reg.addListener("https://a.example", noop))
	require.ErrorIs(t, reg.addListener("https://a.example", noop), ErrDuplicateOrigin)

	_, has := reg.listener("https://a.example")
	require.True(t, has)
	_, has = reg.listener("https://b.example")
	require.False(t, has)

	require.NoError(t, reg.removeListener("https://a.example"))
	require.ErrorIs(t, reg.removeListener("https://a.example"), ErrNotFound)
}

func TestRegistryPortals(t *testing.T) {
	reg := newOriginRegistry("https://self.example")
	conn := &fakePortal{}

	require.ErrorIs(t, reg.addPortal("https://self.example", conn), ErrSelfOrigin)

	require.NoError(t, reg.addPortal("https://a.example", conn))
	require.ErrorIs(t, reg.addPortal("https://a.example", conn), ErrDuplicateOrigin)
	require.True(t, reg.hasPortal("https://a.example"))

	removed, err := reg.removePortal("https://a.example")
	require.NoError(t, err)
	require.Same(t, conn, removed.(*fakePortal))
	_, err = reg.removePortal("https://a.example")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryAllKnownOrigins(t *testing.T) {
	reg := newOriginRegistry("https://self.example")
	noop := func(Origin, []byte) {}

	require.Empty(t, reg.allKnownOrigins())

	require.NoError(t, reg.addListener("https://a.example", noop))
	require.NoError(t, reg.addPortal("https://b.example", &fakePortal{}))
	// Same origin in both maps must appear once.
	require.NoError(t, reg.addListener("https://b.example", noop))

	require.ElementsMatch(t,
		[]Origin{"https://a.example", "https://b.example"},
		reg.allKnownOrigins(),
	)
}

func TestRegistryDrainPortals(t *testing.T) {
	reg := newOriginRegistry("https://self.example")
	require.NoError(t, reg.addPortal("https://a.example", &fakePortal{}))
	require.NoError(t, reg.addPortal("https://b.example", &fakePortal{}))

	require.Len(t, reg.drainPortals(), 2)
	require.Empty(t, reg.drainPortals())

	listeners, portals := reg.sizes()
	require.Zero(t, listeners)
	require.Zero(t, portals)
}
