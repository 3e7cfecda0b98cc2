package mapping

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestCoerce(t *testing.T) {
	oid, err := primitive.ObjectIDFromHex("64b7f0c2a1b2c3d4e5f60718")
	require.NoError(t, err)
	when := time.Date(2023, 7, 19, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		typ  Type
		want any
	}{
		{"nil stays nil", nil, TypeString, nil},
		{"object id to string", oid, TypeString, "64b7f0c2a1b2c3d4e5f60718"},
		{"int to string", int32(12), TypeString, "12"},
		{"object id", oid, TypeObjectID, "64b7f0c2a1b2c3d4e5f60718"},
		{"wrapped object id", map[string]any{"$oid": "64B7F0C2A1B2C3D4E5F60718"}, TypeObjectID, "64b7f0c2a1b2c3d4e5f60718"},
		{"int32 to int", int32(5), TypeInt, int64(5)},
		{"integral double to bigint", 7.0, TypeBigInt, int64(7)},
		{"numeric string to bigint", " 42 ", TypeBigInt, int64(42)},
		{"wrapped long", map[string]any{"$numberLong": "9000000000"}, TypeBigInt, int64(9000000000)},
		{"int to float", int64(3), TypeFloat, 3.0},
		{"decimal128", mustDecimal(t, "12.50"), TypeDecimal, "12.50"},
		{"float to decimal", 1.25, TypeDecimal, "1.25"},
		{"decimal128 beyond float range", mustDecimal(t, "1E+400"), TypeDecimal, "1E+400"},
		{"decimal string exponent", " -2.5e-3 ", TypeDecimal, "-2.5e-3"},
		{"2^62 to bigint", 0x1p62, TypeBigInt, int64(1) << 62},
		{"yes to bool", "Yes", TypeBool, true},
		{"zero to bool", int32(0), TypeBool, false},
		{"datetime", primitive.NewDateTimeFromTime(when), TypeTimestamp, when},
		{"rfc3339 string", "2023-07-19T10:30:00Z", TypeTimestamp, when},
		{"epoch millis", int64(1689762600000), TypeTimestamp, when},
		{"date truncates", "2023-07-19 10:30:00", TypeDate, time.Date(2023, 7, 19, 0, 0, 0, 0, time.UTC)},
		{"nested to json", bson.M{"city": "Cork", "id": oid}, TypeJSON, `{"city":"Cork","id":"64b7f0c2a1b2c3d4e5f60718"}`},
		{"array to json", primitive.A{"a", int32(1)}, TypeJSON, `["a",1]`},
		{"uuid", "550E8400-E29B-41D4-A716-446655440000", TypeUUID, "550e8400-e29b-41d4-a716-446655440000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.in, tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerce_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   any
		typ  Type
	}{
		{"short object id", "abc", TypeObjectID},
		{"non-hex object id", "zzzzzzzzzzzzzzzzzzzzzzzz", TypeObjectID},
		{"fraction to int", 1.5, TypeInt},
		{"int overflow", int64(1) << 40, TypeInt},
		{"2^63 to bigint", 0x1p63, TypeBigInt},
		{"word to float", "many", TypeFloat},
		{"hex float decimal", "0x1p-2", TypeDecimal},
		{"inf decimal", "Inf", TypeDecimal},
		{"nan decimal", "NaN", TypeDecimal},
		{"bare sign decimal", "-", TypeDecimal},
		{"infinite float decimal", math.Inf(1), TypeDecimal},
		{"maybe to bool", "maybe", TypeBool},
		{"bad date", "yesterday", TypeTimestamp},
		{"bad uuid", "not-a-uuid", TypeUUID},
		{"unknown type", "x", Type("money")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Coerce(tt.in, tt.typ)
			require.Error(t, err)
			var cerr *CoercionError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.typ, cerr.Type)
		})
	}
}

func mustDecimal(t *testing.T, s string) primitive.Decimal128 {
	t.Helper()
	d, err := primitive.ParseDecimal128(s)
	require.NoError(t, err)
	return d
}

func TestLookup(t *testing.T) {
	doc := bson.M{
		"name": "Ann",
		"address": bson.M{
			"city": "Galway",
			"geo":  primitive.D{{Key: "lat", Value: 53.27}},
		},
		"items": primitive.A{bson.M{"sku": "A1"}, bson.M{"sku": "B2"}},
		"empty": nil,
	}

	tests := []struct {
		path  string
		want  any
		found bool
	}{
		{"name", "Ann", true},
		{"address.city", "Galway", true},
		{"address.geo.lat", 53.27, true},
		{"items.1.sku", "B2", true},
		{"items.5.sku", nil, false},
		{"items.x", nil, false},
		{"address.zip", nil, false},
		{"empty", nil, true},
		{"name.first", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, found := Lookup(doc, tt.path)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOrder(t *testing.T) {
	tables := []Table{
		{Name: "comments", Columns: []Column{{Name: "post_id", References: "posts"}, {Name: "user_id", References: "users"}}},
		{Name: "posts", DependsOn: []string{"users"}},
		{Name: "users", Columns: []Column{{Name: "manager_id", References: "users"}}},
		{Name: "tags"},
		{Name: "audit", DependsOn: []string{"not_selected"}},
	}

	layers, err := Order(tables)
	require.NoError(t, err)
	require.Len(t, layers, 3)
	assert.Equal(t, []string{"users", "tags", "audit"}, names(layers[0]))
	assert.Equal(t, []string{"posts"}, names(layers[1]))
	assert.Equal(t, []string{"comments"}, names(layers[2]))
}

func TestOrder_Cycle(t *testing.T) {
	_, err := Order([]Table{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle between tables: a, b")
}

func names(tables []Table) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.Name
	}
	return out
}

func TestValidate_CrossReferences(t *testing.T) {
	f := &File{Tables: []Table{
		{
			Name: "posts", Collection: "posts", PrimaryKey: "pk",
			OnError: OnErrorAbort, Commit: CommitTable, Conflict: ConflictUpdate,
			Columns: []Column{
				{Name: "id", Type: TypeObjectID},
				{Name: "id", Type: TypeString},
				{Name: "author_id", Type: TypeObjectID, References: "authors"},
				{Name: "views", Type: TypeInt, Default: "lots"},
			},
			Junctions: []Junction{{Table: "posts", Source: "tags", OwnerColumn: "x", TargetColumn: "x", Type: TypeString}},
		},
	}}

	err := f.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `duplicate column "id"`)
	assert.Contains(t, msg, `references unknown table "authors"`)
	assert.Contains(t, msg, "default does not match type")
	assert.Contains(t, msg, `primary key "pk" is not a column`)
	assert.Contains(t, msg, "junction table must differ from its owner")
	assert.Contains(t, msg, "owner and target columns must differ")
}
