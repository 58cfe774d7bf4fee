package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaFingerprintStability(t *testing.T) {
	var schema = Schema{
		Database: "public",
		Table:    "t",
		Columns: []Column{
			{Name: "id", TypeName: "int4", Kind: KindInt},
			{Name: "name", TypeName: "text", Nullable: true, Kind: KindString},
		},
	}
	var a = schema.Fingerprint()
	var b = schema.Fingerprint()
	require.Equal(t, a, b, "fingerprint must be deterministic")

	var renamed = schema
	renamed.Columns = append([]Column(nil), schema.Columns...)
	renamed.Columns[1].Name = "title"
	assert.NotEqual(t, a, renamed.Fingerprint(), "column rename must change the fingerprint")

	var retyped = schema
	retyped.Columns = append([]Column(nil), schema.Columns...)
	retyped.Columns[0].TypeName = "int8"
	assert.NotEqual(t, a, retyped.Fingerprint(), "type change must change the fingerprint")

	var otherTable = schema
	otherTable.Table = "u"
	assert.NotEqual(t, a, otherTable.Fingerprint())
}

func TestSchemaFingerprintBoundaries(t *testing.T) {
	// Length-prefixed hashing must distinguish ("ab","c") from ("a","bc").
	var x = Schema{Database: "ab", Table: "c"}
	var y = Schema{Database: "a", Table: "bc"}
	assert.NotEqual(t, x.Fingerprint(), y.Fingerprint())
}
