// Package repair fixes malformed document exports so they can be decoded as
// Extended JSON. Exports produced by hand or by the mongo shell often contain
// shell constructors (ObjectId("..."), ISODate("...")), single-quoted strings,
// comments and trailing commas.
package repair

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Stats counts the fixes applied by Repair.
type Stats struct {
	ShellCalls     int `json:"shell_calls"`
	SingleQuotes   int `json:"single_quotes"`
	TrailingCommas int `json:"trailing_commas"`
	Comments       int `json:"comments"`
	Undefined      int `json:"undefined"`
}

// Total returns the number of fixes.
func (s Stats) Total() int {
	return s.ShellCalls + s.SingleQuotes + s.TrailingCommas + s.Comments + s.Undefined
}

type shellCall struct {
	prefix string
	wrap   func(arg string, quoted bool) string
}

var shellCalls = []shellCall{
	{"ObjectId(", func(arg string, _ bool) string { return `{"$oid":` + jsonQuote(arg) + `}` }},
	{"ISODate(", wrapDate},
	{"new Date(", wrapDate},
	{"NumberLong(", func(arg string, _ bool) string { return `{"$numberLong":` + jsonQuote(arg) + `}` }},
	{"NumberInt(", func(arg string, _ bool) string { return `{"$numberInt":` + jsonQuote(arg) + `}` }},
	{"NumberDecimal(", func(arg string, _ bool) string { return `{"$numberDecimal":` + jsonQuote(arg) + `}` }},
}

// jsonQuote renders s as a JSON string literal. Control characters and invalid
// UTF-8 get JSON escapes rather than Go ones.
func jsonQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func wrapDate(arg string, quoted bool) string {
	if !quoted {
		if _, err := strconv.ParseInt(arg, 10, 64); err == nil {
			return `{"$date":{"$numberLong":` + jsonQuote(arg) + `}}`
		}
	}
	return `{"$date":` + jsonQuote(arg) + `}`
}

// Repair rewrites data into valid Extended JSON. Text inside double-quoted
// strings is copied verbatim.
func Repair(data []byte) ([]byte, Stats) {
	var (
		out   bytes.Buffer
		stats Stats
	)
	out.Grow(len(data))

	for i := 0; i < len(data); {
		c := data[i]
		switch {
		case c == '"':
			end := scanString(data, i, '"')
			out.Write(data[i:end])
			i = end

		case c == '\'':
			s, end := readQuoted(data, i, '\'')
			out.WriteString(jsonQuote(s))
			stats.SingleQuotes++
			i = end

		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			for i < len(data) && data[i] != '\n' {
				i++
			}
			stats.Comments++

		case c == ',':
			j := i + 1
			for j < len(data) && isSpace(data[j]) {
				j++
			}
			if j < len(data) && (data[j] == '}' || data[j] == ']') {
				stats.TrailingCommas++
				i++
				continue
			}
			out.WriteByte(c)
			i++

		case bytes.HasPrefix(data[i:], []byte("undefined")) && isBoundary(data, i-1) && isBoundary(data, i+len("undefined")):
			out.WriteString("null")
			stats.Undefined++
			i += len("undefined")

		default:
			if repl, end, ok := matchShellCall(data, i); ok {
				out.WriteString(repl)
				stats.ShellCalls++
				i = end
				continue
			}
			out.WriteByte(c)
			i++
		}
	}

	return out.Bytes(), stats
}

func matchShellCall(data []byte, i int) (string, int, bool) {
	if !isBoundary(data, i-1) {
		return "", 0, false
	}
	for _, call := range shellCalls {
		if !bytes.HasPrefix(data[i:], []byte(call.prefix)) {
			continue
		}
		j := i + len(call.prefix)
		for j < len(data) && isSpace(data[j]) {
			j++
		}
		if j >= len(data) {
			return "", 0, false
		}

		var (
			arg    string
			quoted bool
		)
		if data[j] == '"' || data[j] == '\'' {
			arg, j = readQuoted(data, j, data[j])
			quoted = true
		} else {
			start := j
			for j < len(data) && data[j] != ')' {
				j++
			}
			arg = strings.TrimSpace(string(data[start:j]))
		}
		for j < len(data) && isSpace(data[j]) {
			j++
		}
		if j >= len(data) || data[j] != ')' {
			return "", 0, false
		}
		return call.wrap(arg, quoted), j + 1, true
	}
	return "", 0, false
}

// scanString returns the index just past the closing quote of the string
// starting at data[start].
func scanString(data []byte, start int, quote byte) int {
	for i := start + 1; i < len(data); i++ {
		switch data[i] {
		case '\\':
			i++
		case quote:
			return i + 1
		}
	}
	return len(data)
}

// readQuoted decodes a single- or double-quoted literal and returns its
// content along with the index just past the closing quote.
func readQuoted(data []byte, start int, quote byte) (string, int) {
	var sb strings.Builder
	i := start + 1
	for i < len(data) {
		c := data[i]
		if c == '\\' && i+1 < len(data) {
			next := data[i+1]
			switch next {
			case '\'', '"', '\\', '/':
				sb.WriteByte(next)
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			default:
				sb.WriteByte('\\')
				sb.WriteByte(next)
			}
			i += 2
			continue
		}
		if c == quote {
			return sb.String(), i + 1
		}
		sb.WriteByte(c)
		i++
	}
	return sb.String(), i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isBoundary(data []byte, i int) bool {
	if i < 0 || i >= len(data) {
		return true
	}
	c := data[i]
	return !(c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'))
}

// SplitDocuments splits an export into raw documents. It accepts a JSON
// array, newline-delimited JSON, or objects simply concatenated.
func SplitDocuments(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var docs []json.RawMessage
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, fmt.Errorf("decode document array: %w", err)
		}
		return docs, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var docs []json.RawMessage
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode document %d: %w", len(docs)+1, err)
		}
		docs = append(docs, raw)
	}
	return docs, nil
}

// RepairFile repairs the export at in and writes the result to out as a JSON
// array of documents.
func RepairFile(in, out string) (Stats, error) {
	data, err := os.ReadFile(in)
	if err != nil {
		return Stats{}, fmt.Errorf("read %s: %w", in, err)
	}

	fixed, stats := Repair(data)
	docs, err := SplitDocuments(fixed)
	if err != nil {
		return stats, fmt.Errorf("%s still malformed after repair: %w", in, err)
	}

	var buf bytes.Buffer
	buf.WriteString("[\n")
	for i, d := range docs {
		if i > 0 {
			buf.WriteString(",\n")
		}
		buf.Write(d)
	}
	buf.WriteString("\n]\n")

	if err := os.WriteFile(out, buf.Bytes(), 0644); err != nil {
		return stats, fmt.Errorf("write %s: %w", out, err)
	}
	return stats, nil
}
