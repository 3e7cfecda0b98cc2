package analyzer

import (
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// tokenize splits a field name on separators and camelCase boundaries:
// "authorID" -> [author ID], "XMLFeed" -> [XML Feed], "tag_ids" -> [tag ids].
func tokenize(s string) []string {
	var (
		tokens  []string
		current strings.Builder
	)
	runes := []rune(s)
	for i, r := range runes {
		if isSeparator(r) {
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			continue
		}
		if i > 0 && startsToken(runes, i) && current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func isSeparator(r rune) bool {
	return r == '_' || r == '-' || r == ' ' || r == '.' || r == '$'
}

func startsToken(runes []rune, i int) bool {
	r, prev := runes[i], runes[i-1]
	if unicode.IsUpper(r) && !unicode.IsUpper(prev) && !isSeparator(prev) {
		return true
	}
	// end of an acronym: "XMLFeed" splits before F
	next := i+1 < len(runes) && unicode.IsLower(runes[i+1])
	if unicode.IsUpper(r) && unicode.IsUpper(prev) && next {
		return true
	}
	return false
}

func lowerTokens(s string) []string {
	tokens := tokenize(s)
	for i, t := range tokens {
		tokens[i] = strings.ToLower(t)
	}
	return tokens
}

// SnakeCase converts a document field name into a column identifier.
func SnakeCase(s string) string {
	out := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return r
		}
		return '_'
	}, strings.Join(lowerTokens(s), "_"))
	out = strings.Trim(out, "_")
	if out == "" {
		return "field"
	}
	if unicode.IsDigit(rune(out[0])) {
		out = "f_" + out
	}
	return out
}

// normalize folds an identifier for comparison: "user_profiles",
// "userProfiles" and "UserProfiles" all become "userprofiles".
func normalize(s string) string {
	return strings.Join(lowerTokens(s), "")
}

// refStem strips a reference suffix from a field name. "authorId" and
// "author_id" give ("author", false); "tagIds" gives ("tag", true).
func refStem(field string) (stem string, many bool, ok bool) {
	tokens := lowerTokens(field)
	if len(tokens) < 2 {
		return "", false, false
	}
	last := tokens[len(tokens)-1]
	stem = strings.Join(tokens[:len(tokens)-1], "_")
	switch last {
	case "id":
		return stem, false, true
	case "ids":
		return stem, true, true
	}
	return "", false, false
}

// matchCollection returns the collection a stem names, trying the stem as
// written, its plural and its singular.
func matchCollection(stem string, collections []string) (string, bool) {
	want := map[string]bool{
		normalize(stem):                      true,
		normalize(inflection.Plural(stem)):   true,
		normalize(inflection.Singular(stem)): true,
	}
	for _, c := range collections {
		if want[normalize(c)] {
			return c, true
		}
	}
	for _, c := range collections {
		if want[normalize(inflection.Singular(c))] {
			return c, true
		}
	}
	return "", false
}

// junctionName names the table linking owner rows to the elements of field.
func junctionName(owner, stem string) string {
	return inflection.Singular(owner) + "_" + inflection.Plural(SnakeCase(stem))
}
