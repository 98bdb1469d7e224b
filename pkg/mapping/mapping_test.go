package mapping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countygov/syncbridge/pkg/store"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

func newLoader(t *testing.T) *Loader {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewLoader(s)
}

func TestCreateGetRoundTrip(t *testing.T) {
	l := newLoader(t)
	ctx := context.Background()
	fields := map[string]string{"owner": "OWNER_NM", "acreage": "ACRE_CNT"}

	require.NoError(t, l.Create(ctx, "parcels", "legacy-v2", fields, false))

	got, err := l.Get(ctx, "parcels", "legacy-v2")
	require.NoError(t, err)
	assert.Equal(t, fields, got)

	// lookup is case-insensitive on the mapping name
	got, err = l.Get(ctx, "parcels", "LEGACY-V2")
	require.NoError(t, err)
	assert.Equal(t, fields, got)
}

func TestCreateWithoutOverwriteRejectsDuplicate(t *testing.T) {
	l := newLoader(t)
	ctx := context.Background()
	fields := map[string]string{"owner": "OWNER_NM"}

	require.NoError(t, l.Create(ctx, "parcels", "default", fields, false))
	err := l.Create(ctx, "parcels", "default", fields, false)
	assert.True(t, syncerrors.IsKind(err, syncerrors.KindExists))

	// overwrite replaces the field set
	replacement := map[string]string{"owner": "OWNER_NAME"}
	require.NoError(t, l.Create(ctx, "parcels", "default", replacement, true))
	got, err := l.Get(ctx, "parcels", "default")
	require.NoError(t, err)
	assert.Equal(t, replacement, got)
}

func TestListGroupsByDataType(t *testing.T) {
	l := newLoader(t)
	ctx := context.Background()
	fields := map[string]string{"owner": "OWNER_NM"}

	require.NoError(t, l.Create(ctx, "parcels", "a", fields, false))
	require.NoError(t, l.Create(ctx, "parcels", "b", fields, false))
	require.NoError(t, l.Create(ctx, "levies", "a", fields, false))

	names, err := l.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names["parcels"])
	assert.ElementsMatch(t, []string{"a"}, names["levies"])
}

func TestDeleteThenGetNotFound(t *testing.T) {
	l := newLoader(t)
	ctx := context.Background()

	require.NoError(t, l.Create(ctx, "parcels", "stale", map[string]string{"pin": "PIN"}, false))
	require.NoError(t, l.Delete(ctx, "parcels", "stale"))

	_, err := l.Get(ctx, "parcels", "stale")
	assert.True(t, syncerrors.IsNotFound(err))

	assert.True(t, syncerrors.IsNotFound(l.Delete(ctx, "parcels", "stale")))
}

func TestIdentityMapping(t *testing.T) {
	m := Identity([]string{"pin", "owner"})
	assert.Equal(t, map[string]string{"pin": "pin", "owner": "owner"}, m)
}
