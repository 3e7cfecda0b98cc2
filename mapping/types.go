// Package mapping defines the declarative collection-to-table mapping file.
//
// A mapping file lists, per relational table, the source collection, the
// column set with declared types, and any junction tables fed from embedded
// reference arrays. One generic runner executes every table in the file.
package mapping

// Type is a declared column type. Values read from documents are coerced to
// it before they are written.
type Type string

const (
	TypeString    Type = "string"
	TypeObjectID  Type = "objectid"
	TypeInt       Type = "int"
	TypeBigInt    Type = "bigint"
	TypeFloat     Type = "float"
	TypeDecimal   Type = "decimal"
	TypeBool      Type = "bool"
	TypeTimestamp Type = "timestamp"
	TypeDate      Type = "date"
	TypeJSON      Type = "json"
	TypeUUID      Type = "uuid"
)

// Types lists every supported column type.
var Types = []Type{
	TypeString, TypeObjectID, TypeInt, TypeBigInt, TypeFloat, TypeDecimal,
	TypeBool, TypeTimestamp, TypeDate, TypeJSON, TypeUUID,
}

// Valid reports whether t is a supported type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// ErrorPolicy decides what happens to a table load when one document fails
// to transform or write.
type ErrorPolicy string

const (
	// OnErrorAbort rolls back the table's open transaction and stops.
	OnErrorAbort ErrorPolicy = "abort"
	// OnErrorSkip logs the document and moves on.
	OnErrorSkip ErrorPolicy = "skip"
)

// CommitMode controls transaction granularity.
type CommitMode string

const (
	// CommitTable loads the whole table in one transaction.
	CommitTable CommitMode = "table"
	// CommitBatch commits after every batch.
	CommitBatch CommitMode = "batch"
)

// ConflictMode controls what happens when a row's primary key already exists.
type ConflictMode string

const (
	ConflictUpdate ConflictMode = "update"
	ConflictIgnore ConflictMode = "ignore"
	ConflictError  ConflictMode = "error"
)

// File is the root of a mapping file.
type File struct {
	Version string  `yaml:"version" json:"version"`
	Tables  []Table `yaml:"tables" json:"tables"`
}

// Table maps one collection onto one relational table.
type Table struct {
	Name       string         `yaml:"name" json:"name"`
	Collection string         `yaml:"collection" json:"collection"`
	Filter     map[string]any `yaml:"filter,omitempty" json:"filter,omitempty"`
	PrimaryKey string         `yaml:"primary_key" json:"primary_key"`
	Columns    []Column       `yaml:"columns" json:"columns"`
	Junctions  []Junction     `yaml:"junctions,omitempty" json:"junctions,omitempty"`
	DependsOn  []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	OnError    ErrorPolicy    `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	Commit     CommitMode     `yaml:"commit,omitempty" json:"commit,omitempty"`
	Conflict   ConflictMode   `yaml:"conflict,omitempty" json:"conflict,omitempty"`
}

// Column maps a document path onto a column.
type Column struct {
	Name       string `yaml:"name" json:"name"`
	Source     string `yaml:"source,omitempty" json:"source,omitempty"`
	Type       Type   `yaml:"type" json:"type"`
	Required   bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default    any    `yaml:"default,omitempty" json:"default,omitempty"`
	References string `yaml:"references,omitempty" json:"references,omitempty"`
}

// Junction turns an embedded array into rows of a many-to-many table.
type Junction struct {
	Table        string `yaml:"table" json:"table"`
	Source       string `yaml:"source" json:"source"`
	OwnerColumn  string `yaml:"owner_column,omitempty" json:"owner_column,omitempty"`
	TargetColumn string `yaml:"target_column,omitempty" json:"target_column,omitempty"`
	ElementPath  string `yaml:"element_path,omitempty" json:"element_path,omitempty"`
	Type         Type   `yaml:"type,omitempty" json:"type,omitempty"`
	References   string `yaml:"references,omitempty" json:"references,omitempty"`
}

// Column returns the column with the given name.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// PrimaryKeyColumn returns the primary-key column definition.
func (t *Table) PrimaryKeyColumn() Column {
	c, _ := t.Column(t.PrimaryKey)
	return c
}

// ColumnNames returns column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Table returns the table with the given name.
func (f *File) Table(name string) (*Table, bool) {
	for i := range f.Tables {
		if f.Tables[i].Name == name {
			return &f.Tables[i], true
		}
	}
	return nil, false
}
