package analyzer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/padraicbc/docmigrate/mapping"
	"github.com/padraicbc/docmigrate/sink"
	"github.com/padraicbc/docmigrate/source"
)

func exportDir(t *testing.T, files map[string]string) *source.Files {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(content), 0644))
	}
	src, err := source.OpenDir(dir, zap.NewNop())
	require.NoError(t, err)
	return src
}

var blogExport = map[string]string{
	"users": `[
		{"_id": {"$oid": "64b7f0c2a1b2c3d4e5f60701"}, "name": "Ann", "email": "ann@example.com", "age": 30,
		 "createdAt": {"$date": "2024-01-02T03:04:05Z"}, "address": {"city": "Cork"}},
		{"_id": {"$oid": "64b7f0c2a1b2c3d4e5f60702"}, "name": "Bo", "age": {"$numberLong": "41"},
		 "createdAt": {"$date": "2024-02-03T04:05:06Z"}, "address": {"city": "Galway", "zip": "H91"}}
	]`,
	"posts": `[
		{"_id": {"$oid": "64b7f0c2a1b2c3d4e5f60801"}, "title": "A", "userId": {"$oid": "64b7f0c2a1b2c3d4e5f60701"},
		 "tagIds": ["go", "sql"], "score": 1.5, "misc": "x"},
		{"_id": {"$oid": "64b7f0c2a1b2c3d4e5f60802"}, "title": "B", "userId": {"$oid": "64b7f0c2a1b2c3d4e5f60702"},
		 "tagIds": ["go"], "score": 2, "misc": 5}
	]`,
	"tags": `{"_id": "go", "label": "Go"}
{"_id": "sql", "label": "SQL"}`,
}

func analyzeBlog(t *testing.T, opts Options) *Report {
	t.Helper()
	report, err := Analyze(context.Background(), exportDir(t, blogExport), nil, opts)
	require.NoError(t, err)
	return report
}

func column(t *testing.T, tbl mapping.Table, name string) mapping.Column {
	t.Helper()
	c, ok := tbl.Column(name)
	require.True(t, ok, "column %s", name)
	return c
}

func TestAnalyze_FieldProfiles(t *testing.T) {
	report := analyzeBlog(t, Options{})
	users, ok := report.Collection("users")
	require.True(t, ok)
	assert.Equal(t, int64(2), users.Documents)
	assert.Equal(t, 2, users.Sampled)

	assert.Equal(t, "_id", users.Fields[0].Path)

	email, ok := users.Field("email")
	require.True(t, ok)
	assert.Equal(t, 0.5, email.Frequency)

	zip, ok := users.Field("address.zip")
	require.True(t, ok)
	assert.Equal(t, 1, zip.Depth)
	assert.Equal(t, 1, zip.Present)

	age, _ := users.Field("age")
	assert.Equal(t, map[string]int{"int": 1, "long": 1}, age.Types)
}

func TestAnalyze_ColumnInference(t *testing.T) {
	report := analyzeBlog(t, Options{})
	users, _ := report.Collection("users")
	tbl := users.Table

	assert.Equal(t, "users", tbl.Name)
	assert.Equal(t, "id", tbl.PrimaryKey)

	id := column(t, tbl, "id")
	assert.Equal(t, "_id", id.Source)
	assert.Equal(t, mapping.TypeObjectID, id.Type)
	assert.True(t, id.Required)

	assert.Equal(t, mapping.TypeBigInt, column(t, tbl, "age").Type)
	assert.Equal(t, mapping.TypeJSON, column(t, tbl, "address").Type)

	created := column(t, tbl, "created_at")
	assert.Equal(t, "createdAt", created.Source)
	assert.Equal(t, mapping.TypeTimestamp, created.Type)
	assert.True(t, created.Required)

	assert.False(t, column(t, tbl, "email").Required)

	posts, _ := report.Collection("posts")
	assert.Equal(t, mapping.TypeFloat, column(t, posts.Table, "score").Type)
	assert.Equal(t, mapping.TypeJSON, column(t, posts.Table, "misc").Type)
	assert.Contains(t, posts.Notes[0], "misc has mixed types")
}

func TestAnalyze_References(t *testing.T) {
	report := analyzeBlog(t, Options{ValidateRefs: true})
	posts, _ := report.Collection("posts")

	require.Len(t, posts.Relationships, 2)
	author := posts.Relationships[0]
	assert.Equal(t, "userId", author.Field)
	assert.Equal(t, "users", author.Target)
	assert.False(t, author.Many)
	assert.Equal(t, 2, author.Checked)
	assert.Equal(t, 1.0, author.MatchRatio())

	tags := posts.Relationships[1]
	assert.Equal(t, "tagIds", tags.Field)
	assert.Equal(t, "tags", tags.Target)
	assert.True(t, tags.Many)
	assert.Empty(t, tags.Dropped)

	ref := column(t, posts.Table, "user_id")
	assert.Equal(t, "users", ref.References)
	assert.Equal(t, mapping.TypeObjectID, ref.Type)

	_, hasTagColumn := posts.Table.Column("tag_ids")
	assert.False(t, hasTagColumn)
	require.Len(t, posts.Table.Junctions, 1)
	assert.Equal(t, mapping.Junction{
		Table:        "post_tags",
		Source:       "tagIds",
		OwnerColumn:  "post_id",
		TargetColumn: "tag_id",
		Type:         mapping.TypeString,
		References:   "tags",
	}, posts.Table.Junctions[0])
}

func TestAnalyze_UnresolvedReferencesDropped(t *testing.T) {
	files := map[string]string{
		"users": `{"_id": {"$oid": "64b7f0c2a1b2c3d4e5f60701"}}`,
		"posts": `{"_id": 1, "userId": {"$oid": "64b7f0c2a1b2c3d4e5f609ff"}}`,
	}
	report, err := Analyze(context.Background(), exportDir(t, files), nil, Options{ValidateRefs: true})
	require.NoError(t, err)

	posts, _ := report.Collection("posts")
	require.Len(t, posts.Relationships, 1)
	assert.Contains(t, posts.Relationships[0].Dropped, "0 of 1")
	assert.Empty(t, column(t, posts.Table, "user_id").References)
	assert.Equal(t, mapping.TypeInt, column(t, posts.Table, "id").Type)
}

func TestAnalyze_BreaksCycles(t *testing.T) {
	files := map[string]string{
		"teams": `{"_id": {"$oid": "64b7f0c2a1b2c3d4e5f60901"}, "userId": {"$oid": "64b7f0c2a1b2c3d4e5f60701"}}`,
		"users": `{"_id": {"$oid": "64b7f0c2a1b2c3d4e5f60701"}, "teamId": {"$oid": "64b7f0c2a1b2c3d4e5f60901"}}`,
	}
	report, err := Analyze(context.Background(), exportDir(t, files), nil, Options{})
	require.NoError(t, err)

	teams, _ := report.Collection("teams")
	assert.Contains(t, teams.Relationships[0].Dropped, "cycle")

	f, err := report.Mapping()
	require.NoError(t, err)
	_, err = mapping.Order(f.Tables)
	assert.NoError(t, err)
}

func TestAnalyze_SelectedCollections(t *testing.T) {
	report, err := Analyze(context.Background(), exportDir(t, blogExport), []string{"posts"}, Options{})
	require.NoError(t, err)
	require.Len(t, report.Collections, 1)

	posts := report.Collections[0]
	for _, r := range posts.Relationships {
		assert.Equal(t, "target collection not analyzed", r.Dropped)
	}
	_, err = report.Mapping()
	assert.NoError(t, err)
}

func TestReport_MappingAndDDL(t *testing.T) {
	report := analyzeBlog(t, Options{})

	f, err := report.Mapping()
	require.NoError(t, err)
	require.Len(t, f.Tables, 3)

	layers, err := mapping.Order(f.Tables)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, "posts", layers[1][0].Name)

	stmts, err := report.DDL(sink.Postgres{})
	require.NoError(t, err)
	assert.Contains(t, stmts, `CREATE TABLE IF NOT EXISTS "post_tags" (
	"post_id" CHAR(24) NOT NULL,
	"tag_id" TEXT NOT NULL,
	PRIMARY KEY ("post_id", "tag_id")
)`)
}

func TestReport_Outputs(t *testing.T) {
	report := analyzeBlog(t, Options{})

	md := report.Markdown()
	assert.Contains(t, md, "# Migration strategy")
	assert.Contains(t, md, "## Load order")
	assert.Contains(t, md, "## posts")
	assert.Contains(t, md, "`userId` -> `users` (many-to-one")
	assert.Contains(t, md, "| `address.city` | 100% | string 2 | in json |")

	data, err := report.JSON()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Len(t, decoded["collections"], 3)
}

func TestNaming(t *testing.T) {
	assert.Equal(t, "author_id", SnakeCase("authorID"))
	assert.Equal(t, "xml_feed", SnakeCase("XMLFeed"))
	assert.Equal(t, "created_at", SnakeCase("createdAt"))
	assert.Equal(t, "user_name", SnakeCase("user-name"))
	assert.Equal(t, "f_2fa", SnakeCase("2fa"))
	assert.Equal(t, "field", SnakeCase("$"))

	stem, many, ok := refStem("tagIds")
	assert.Equal(t, []any{"tag", true, true}, []any{stem, many, ok})
	stem, many, ok = refStem("author_id")
	assert.Equal(t, []any{"author", false, true}, []any{stem, many, ok})
	_, _, ok = refStem("id")
	assert.False(t, ok)
	_, _, ok = refStem("paid")
	assert.False(t, ok)

	c, ok := matchCollection("category", []string{"posts", "categories"})
	assert.True(t, ok)
	assert.Equal(t, "categories", c)
	c, ok = matchCollection("user_profile", []string{"userProfiles"})
	assert.True(t, ok)
	assert.Equal(t, "userProfiles", c)
	_, ok = matchCollection("owner", []string{"users"})
	assert.False(t, ok)

	assert.Equal(t, "post_tags", junctionName("posts", "tag"))
}
