package models

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/padraicbc/docmigrate/analyzer"
	"github.com/padraicbc/docmigrate/verify"
)

// Verification is a stored verifier result.
type Verification struct {
	bun.BaseModel `bun:"table:docmigrate_verifications,alias:v"`

	ID       int64          `bun:"id,pk,autoincrement" json:"id"`
	Started  time.Time      `bun:"started,notnull" json:"started"`
	Finished time.Time      `bun:"finished,notnull" json:"finished"`
	Passed   bool           `bun:"passed,notnull" json:"passed"`
	Result   *verify.Result `bun:"result,notnull" json:"result"`
}

// AnalysisReport is a stored analyzer report with its generated mapping.
type AnalysisReport struct {
	bun.BaseModel `bun:"table:docmigrate_analyses,alias:a"`

	ID          int64            `bun:"id,pk,autoincrement" json:"id"`
	Created     time.Time        `bun:"created,notnull" json:"created"`
	Collections int              `bun:"collections,notnull" json:"collections"`
	Report      *analyzer.Report `bun:"report,notnull" json:"report"`
	Mapping     string           `bun:"mapping,type:text" json:"mapping"`
	Markdown    string           `bun:"markdown,type:text" json:"markdown"`
}
