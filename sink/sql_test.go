package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padraicbc/docmigrate/mapping"
	"github.com/padraicbc/docmigrate/transform"
)

func postsTable() mapping.Table {
	return mapping.Table{
		Name:       "posts",
		Collection: "posts",
		PrimaryKey: "id",
		Conflict:   mapping.ConflictUpdate,
		Columns: []mapping.Column{
			{Name: "id", Source: "_id", Type: mapping.TypeObjectID},
			{Name: "title", Type: mapping.TypeString, Required: true},
			{Name: "author_id", Source: "authorId", Type: mapping.TypeObjectID, References: "users"},
			{Name: "meta", Type: mapping.TypeJSON},
		},
		Junctions: []mapping.Junction{
			{Table: "post_tags", Source: "tags", OwnerColumn: "post_id", TargetColumn: "tag_id", Type: mapping.TypeString, References: "tags"},
		},
	}
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	d, err = DialectFor("MariaDB")
	require.NoError(t, err)
	assert.Equal(t, "mysql", d.Name())

	_, err = DialectFor("oracle")
	assert.Error(t, err)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"we""ird"`, Postgres{}.Quote(`we"ird`))
	assert.Equal(t, "`we``ird`", MySQL{}.Quote("we`ird"))
}

func TestCreateTableSQL_Postgres(t *testing.T) {
	tbl := postsTable()
	want := "CREATE TABLE IF NOT EXISTS \"posts\" (\n" +
		"\t\"id\" CHAR(24) NOT NULL,\n" +
		"\t\"title\" TEXT NOT NULL,\n" +
		"\t\"author_id\" CHAR(24),\n" +
		"\t\"meta\" JSONB,\n" +
		"\tPRIMARY KEY (\"id\")\n)"
	assert.Equal(t, want, CreateTableSQL(Postgres{}, &tbl))
}

func TestCreateTableSQL_MySQLKeyStrings(t *testing.T) {
	tbl := mapping.Table{
		Name:       "tags",
		PrimaryKey: "id",
		Columns: []mapping.Column{
			{Name: "id", Type: mapping.TypeString},
			{Name: "label", Type: mapping.TypeString},
		},
	}
	sql := CreateTableSQL(MySQL{}, &tbl)
	assert.Contains(t, sql, "`id` VARCHAR(255) NOT NULL")
	assert.Contains(t, sql, "`label` TEXT")
}

func TestJunctionTableSQL(t *testing.T) {
	tbl := postsTable()
	sql := JunctionTableSQL(Postgres{}, &tbl, tbl.Junctions[0])
	assert.Equal(t, "CREATE TABLE IF NOT EXISTS \"post_tags\" (\n"+
		"\t\"post_id\" CHAR(24) NOT NULL,\n"+
		"\t\"tag_id\" TEXT NOT NULL,\n"+
		"\tPRIMARY KEY (\"post_id\", \"tag_id\")\n)", sql)
}

func TestForeignKeys(t *testing.T) {
	posts := postsTable()
	users := mapping.Table{Name: "users", PrimaryKey: "user_id"}

	fks := ForeignKeys([]mapping.Table{posts}, []mapping.Table{users, posts})
	require.Len(t, fks, 3)

	assert.Equal(t, ForeignKey{Name: "fk_posts_author_id", Table: "posts", Column: "author_id", RefTable: "users", RefColumn: "user_id"}, fks[0])
	assert.Equal(t, ForeignKey{Name: "fk_post_tags_post_id", Table: "post_tags", Column: "post_id", RefTable: "posts", RefColumn: "id"}, fks[1])
	// tags is not in the mapping, so its key defaults to id.
	assert.Equal(t, "id", fks[2].RefColumn)
}

func TestConstraintNameTruncated(t *testing.T) {
	name := constraintName("a_very_long_table_name_that_keeps_going", "and_a_very_long_column_name_too")
	assert.Len(t, name, 63)
}

func TestInsertSQL(t *testing.T) {
	cols := []string{"id", "title"}

	q := InsertSQL(Postgres{}, "posts", cols, []string{"id"}, 2, mapping.ConflictUpdate)
	assert.Equal(t, `INSERT INTO "posts" ("id", "title") VALUES (?, ?), (?, ?) ON CONFLICT ("id") DO UPDATE SET "title" = EXCLUDED."title"`, q)

	q = InsertSQL(Postgres{}, "posts", cols, []string{"id"}, 1, mapping.ConflictIgnore)
	assert.Equal(t, `INSERT INTO "posts" ("id", "title") VALUES (?, ?) ON CONFLICT DO NOTHING`, q)

	q = InsertSQL(Postgres{}, "posts", cols, []string{"id"}, 1, mapping.ConflictError)
	assert.Equal(t, `INSERT INTO "posts" ("id", "title") VALUES (?, ?)`, q)

	q = InsertSQL(MySQL{}, "posts", cols, []string{"id"}, 1, mapping.ConflictUpdate)
	assert.Equal(t, "INSERT INTO `posts` (`id`, `title`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `title` = VALUES(`title`)", q)

	q = InsertSQL(MySQL{}, "post_tags", []string{"post_id", "tag_id"}, []string{"post_id", "tag_id"}, 1, mapping.ConflictUpdate)
	assert.Equal(t, "INSERT INTO `post_tags` (`post_id`, `tag_id`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `post_id` = `post_id`", q)
}

func TestAddForeignKey(t *testing.T) {
	fk := ForeignKey{Name: "fk_posts_author_id", Table: "posts", Column: "author_id", RefTable: "users", RefColumn: "id"}

	pg := Postgres{}.AddForeignKey(fk)
	assert.Contains(t, pg, "conname = 'fk_posts_author_id'")
	assert.Contains(t, pg, `ALTER TABLE "posts" ADD CONSTRAINT "fk_posts_author_id" FOREIGN KEY ("author_id") REFERENCES "users" ("id")`)

	my := MySQL{}.AddForeignKey(fk)
	assert.Equal(t, "ALTER TABLE `posts` ADD CONSTRAINT `fk_posts_author_id` FOREIGN KEY (`author_id`) REFERENCES `users` (`id`)", my)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, []string{`TRUNCATE "a", "b"`}, Postgres{}.Truncate([]string{"a", "b"}))
	assert.Nil(t, Postgres{}.Truncate(nil))
	assert.Equal(t, []string{"DELETE FROM `a`", "DELETE FROM `b`"}, MySQL{}.Truncate([]string{"a", "b"}))
}

func TestDDL(t *testing.T) {
	posts := postsTable()
	stmts := DDL(Postgres{}, []mapping.Table{posts}, []mapping.Table{posts}, true)
	// posts, post_tags, then three constraints
	require.Len(t, stmts, 5)
	assert.Contains(t, stmts[0], `CREATE TABLE IF NOT EXISTS "posts"`)
	assert.Contains(t, stmts[1], `CREATE TABLE IF NOT EXISTS "post_tags"`)
	assert.Contains(t, stmts[2], "fk_posts_author_id")

	assert.Len(t, DDL(Postgres{}, []mapping.Table{posts}, nil, false), 2)
}

func TestDedupeRowsKeepsLast(t *testing.T) {
	rows := []transform.Row{
		{Columns: []string{"id", "n"}, Values: []any{"a", 1}, Key: "a"},
		{Columns: []string{"id", "n"}, Values: []any{"b", 2}, Key: "b"},
		{Columns: []string{"id", "n"}, Values: []any{"a", 3}, Key: "a"},
	}
	out := dedupeRows(rows)
	require.Len(t, out, 2)
	assert.Equal(t, []any{"a", 3}, out[0].Values)
	assert.Equal(t, []any{"b", 2}, out[1].Values)
}

func TestGroupJunctions(t *testing.T) {
	rows := []transform.JunctionRow{
		{Table: "post_tags", Owner: "p1", Target: "go"},
		{Table: "post_tags", Owner: "p1", Target: "go"},
		{Table: "post_tags", Owner: "p2", Target: "go"},
		{Table: "post_users", Owner: "p1", Target: "u1"},
	}
	g := groupJunctions(rows)
	assert.Len(t, g["post_tags"], 2)
	assert.Len(t, g["post_users"], 1)
}
