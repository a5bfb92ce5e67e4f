package cdc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleBatch = `{
	"change": [
		{
			"kind": "insert",
			"schema": "public",
			"table": "users",
			"columnnames": ["id", "name"],
			"columntypes": ["integer", "text"],
			"columnvalues": [1, "alice"]
		},
		{
			"kind": "update",
			"schema": "public",
			"table": "users",
			"columnnames": ["id", "name"],
			"columntypes": ["integer", "text"],
			"columnvalues": [1, "bob"],
			"oldkeys": {
				"keynames": ["id"],
				"keytypes": ["integer"],
				"keyvalues": [1]
			}
		},
		{
			"kind": "delete",
			"schema": "public",
			"table": "users",
			"oldkeys": {
				"keynames": ["id"],
				"keytypes": ["integer"],
				"keyvalues": [1]
			}
		}
	]
}`

func TestParseBatch(t *testing.T) {
	changes, err := ParseBatch([]byte(sampleBatch))
	require.NoError(t, err)
	require.Len(t, changes, 3)

	for i, c := range changes {
		require.Equal(t, i, c.Ordinal)
		require.Equal(t, "public", c.Schema)
		require.Equal(t, "users", c.Table)
	}

	require.Equal(t, KindInsert, changes[0].Kind)
	require.Equal(t, KindUpdate, changes[1].Kind)
	require.Equal(t, KindDelete, changes[2].Kind)

	require.Nil(t, changes[0].OldKeys)
	require.NotNil(t, changes[1].OldKeys)
	require.Equal(t, []string{"id"}, changes[2].OldKeys.KeyNames)
}

func TestParseBatchEmptyChangeList(t *testing.T) {
	changes, err := ParseBatch([]byte(`{"change": []}`))
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestParseBatchMalformed(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"invalid json", `{"change": [`},
		{"not json at all", `this is not json`},
		{"missing change list", `{"foo": "bar"}`},
		{"entry without kind", `{"change": [{"schema": "public", "table": "users"}]}`},
		{"change not a list", `{"change": 42}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseBatch([]byte(tc.payload))
			require.Error(t, err)
			require.True(t, IsDecodeError(err), "expected a DecodeError, got %T", err)
		})
	}
}

func TestParseBatchDeterministic(t *testing.T) {
	first, err := ParseBatch([]byte(sampleBatch))
	require.NoError(t, err)
	second, err := ParseBatch([]byte(sampleBatch))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestChangeColumns(t *testing.T) {
	changes, err := ParseBatch([]byte(sampleBatch))
	require.NoError(t, err)

	cols := changes[0].Columns()
	require.Equal(t, "alice", cols["name"])
	require.EqualValues(t, 1, cols["id"])

	// delete carries no new image
	require.Nil(t, changes[2].Columns())
}

func TestChangeRelation(t *testing.T) {
	c := Change{Schema: "public", Table: "users"}
	require.Equal(t, "public.users", c.Relation())

	c = Change{Table: "users"}
	require.Equal(t, "users", c.Relation())
}
