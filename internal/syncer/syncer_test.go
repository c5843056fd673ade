package syncer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRelativeKnownNameIsSlashSeparated(t *testing.T) {
	name, err := relativeKnownName("/srv/data", "/srv/data/sub/file.txt")
	require.NoError(t, err)
	require.Equal(t, "sub/file.txt", name)
}

func TestResolveKnownNameRejectsEscapingNames(t *testing.T) {
	_, ok := resolveKnownName("/srv/data", "../outside.txt")
	require.False(t, ok)

	_, ok = resolveKnownName("/srv/data", "")
	require.False(t, ok)
}

func TestResolveKnownNameAcceptsNestedName(t *testing.T) {
	path, ok := resolveKnownName("/srv/data", "sub/file.txt")
	require.True(t, ok)
	require.Equal(t, "/srv/data/sub/file.txt", path)
}

func TestResolveKnownNameAcceptsRootItself(t *testing.T) {
	path, ok := resolveKnownName("/srv/data", ".")
	require.True(t, ok)
	require.Equal(t, "/srv/data", path)
}

func TestBeginPushRegistersAndReleases(t *testing.T) {
	shared := &Shared{inflight: make(map[string]*inflightPush)}
	id := [16]byte{7}

	release := shared.BeginPush("sub/file.txt", id)

	got, ok := shared.CollidingPushID("sub/file.txt")
	require.True(t, ok)
	require.Equal(t, id, got)

	_, ok = shared.CollidingPushID("other.txt")
	require.False(t, ok)

	release()
	_, ok = shared.CollidingPushID("sub/file.txt")
	require.False(t, ok)
}

func TestBeginPushOverlappingPushesShareOneEntry(t *testing.T) {
	shared := &Shared{inflight: make(map[string]*inflightPush)}
	id := [16]byte{7}

	releaseFirst := shared.BeginPush("f.txt", id)
	releaseSecond := shared.BeginPush("f.txt", id)

	releaseFirst()
	_, ok := shared.CollidingPushID("f.txt")
	require.True(t, ok, "entry must survive until the last overlapping push releases")

	releaseSecond()
	_, ok = shared.CollidingPushID("f.txt")
	require.False(t, ok)
}

func TestBeginPushReleaseIsIdempotent(t *testing.T) {
	shared := &Shared{inflight: make(map[string]*inflightPush)}

	release := shared.BeginPush("f.txt", [16]byte{1})
	release()
	release()

	_, ok := shared.CollidingPushID("f.txt")
	require.False(t, ok)
}

func TestParseSyncrIDRejectsInvalidUUID(t *testing.T) {
	_, err := ParseSyncrID("not-a-uuid")
	require.Error(t, err)
}

func TestParseSyncrIDParsesValidUUID(t *testing.T) {
	id, err := ParseSyncrID("11111111-2222-3333-4444-555555555555")
	require.NoError(t, err)
	require.Equal(t, byte(0x11), id[0])
}
