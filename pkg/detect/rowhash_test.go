package detect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countygov/syncbridge/pkg/model"
)

type memBaseline struct {
	hashes map[string]string
}

func (m *memBaseline) RowHashes(_ context.Context, _ string) (map[string]string, error) {
	return m.hashes, nil
}

func TestRowHashDiff(t *testing.T) {
	db := openSource(t)
	_, err := db.Exec(`CREATE TABLE parcels (pin TEXT PRIMARY KEY, owner TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO parcels VALUES
		('100-0001','SMITH'),
		('100-0002','JONES')`)
	require.NoError(t, err)

	unchanged := HashRow(model.Row{"pin": "100-0001", "owner": "SMITH"})
	baseline := &memBaseline{hashes: map[string]string{
		"100-0001": unchanged,
		"100-0002": "stale",
		"100-0009": "gone",
	}}

	table := parcelsTable()
	table.TokenColumn = ""
	d := newRowHashDetector(db, "sqlite", table, baseline)

	set, err := d.Detect(context.Background(), "", 50)
	require.NoError(t, err)
	require.Len(t, set.Records, 2)

	byKey := map[string]model.ChangeRecord{}
	for _, r := range set.Records {
		byKey[r.Key] = r
	}
	assert.Equal(t, model.OpUpdate, byKey["100-0002"].Op)
	assert.Equal(t, model.OpDelete, byKey["100-0009"].Op)
	assert.Equal(t, "100-0009", byKey["100-0009"].PK["pin"])

	// baseline updates: changed row gets its new hash, deleted row empties
	assert.NotEmpty(t, set.Baseline["100-0002"])
	assert.Equal(t, "", set.Baseline["100-0009"])
	_, touched := set.Baseline["100-0001"]
	assert.False(t, touched)
	assert.NotEqual(t, "", set.NextWatermark)
}

func TestRowHashFirstScanIsAllInserts(t *testing.T) {
	db := openSource(t)
	_, err := db.Exec(`CREATE TABLE parcels (pin TEXT PRIMARY KEY, owner TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO parcels VALUES ('100-0001','SMITH')`)
	require.NoError(t, err)

	table := parcelsTable()
	d := newRowHashDetector(db, "sqlite", table, &memBaseline{hashes: map[string]string{}})

	set, err := d.Detect(context.Background(), "", 50)
	require.NoError(t, err)
	require.Len(t, set.Records, 1)
	assert.Equal(t, model.OpInsert, set.Records[0].Op)
}

func TestHashRowStableAcrossFieldOrder(t *testing.T) {
	a := HashRow(model.Row{"a": 1, "b": "x"})
	b := HashRow(model.Row{"b": "x", "a": 1})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, HashRow(model.Row{"a": 2, "b": "x"}))
}
