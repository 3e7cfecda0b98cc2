package source

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/padraicbc/docmigrate/extjson"
	"github.com/padraicbc/docmigrate/mapping"
	"github.com/padraicbc/docmigrate/repair"
)

// Files reads collections exported as <dir>/<collection>.json. Exports are
// repaired and decoded as Extended JSON on first use and then kept in memory.
type Files struct {
	dir string
	log *zap.Logger

	mu    sync.Mutex
	cache map[string][]bson.M
}

// OpenDir returns a file-backed Source rooted at dir.
func OpenDir(dir string, log *zap.Logger) (*Files, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open source dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source dir %s is not a directory", dir)
	}
	return &Files{dir: dir, log: log, cache: map[string][]bson.M{}}, nil
}

// Collections implements Source.
func (f *Files) Collections(_ context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func (f *Files) load(collection string) ([]bson.M, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if docs, ok := f.cache[collection]; ok {
		return docs, nil
	}

	path := filepath.Join(f.dir, collection+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export %s: %w", path, err)
	}

	fixed, stats := repair.Repair(data)
	if stats.Total() > 0 {
		f.log.Warn("repaired malformed export",
			zap.String("collection", collection),
			zap.Int("shell_calls", stats.ShellCalls),
			zap.Int("trailing_commas", stats.TrailingCommas),
			zap.Int("single_quotes", stats.SingleQuotes),
		)
	}

	raws, err := repair.SplitDocuments(fixed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	docs := make([]bson.M, 0, len(raws))
	for i, raw := range raws {
		var doc bson.M
		if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
			// Not valid Extended JSON; keep the plain JSON with wrappers unwrapped.
			var plain map[string]any
			if jerr := json.Unmarshal(raw, &plain); jerr != nil {
				return nil, fmt.Errorf("%s document %d: %w", path, i+1, err)
			}
			f.log.Debug("document decoded as plain json",
				zap.String("collection", collection), zap.Int("index", i), zap.Error(err))
			doc = bson.M(extjson.Unwrap(plain).(map[string]any))
		}
		docs = append(docs, doc)
	}

	sort.SliceStable(docs, func(i, j int) bool {
		return lessID(docs[i]["_id"], docs[j]["_id"])
	})

	f.cache[collection] = docs
	return docs, nil
}

func idKey(v any) string {
	return fmt.Sprint(extjson.Normalize(v))
}

// lessID orders _id values the way the server does for the common cases:
// numbers compare numerically and sort before strings, then dates.
func lessID(a, b any) bool {
	a, b = extjson.Normalize(a), extjson.Normalize(b)
	ra, rb := idRank(a), idRank(b)
	if ra != rb {
		return ra < rb
	}
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return x < y
		}
		return toFloat(x) < toFloat(b)
	case float64:
		return x < toFloat(b)
	case string:
		return x < b.(string)
	case time.Time:
		return x.Before(b.(time.Time))
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func idRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case int64, float64:
		return 1
	case string:
		return 2
	case time.Time:
		return 4
	default:
		return 3
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

// matches reports whether doc satisfies an equality filter. Keys may be
// dotted paths; operator expressions are not supported.
func matches(doc bson.M, filter bson.M) (bool, error) {
	for key, want := range filter {
		if strings.HasPrefix(key, "$") {
			return false, fmt.Errorf("filter operator %s is not supported for file sources", key)
		}
		want = extjson.Normalize(want)
		if m, ok := want.(map[string]any); ok {
			for op := range m {
				if strings.HasPrefix(op, "$") {
					return false, fmt.Errorf("filter operator %s is not supported for file sources", op)
				}
			}
		}
		got, found := mapping.Lookup(doc, key)
		if !found {
			if want == nil {
				continue
			}
			return false, nil
		}
		if idKey(got) != idKey(want) {
			return false, nil
		}
	}
	return true, nil
}

func (f *Files) filtered(collection string, filter bson.M) ([]bson.M, error) {
	docs, err := f.load(collection)
	if err != nil {
		return nil, err
	}
	if len(filter) == 0 {
		return docs, nil
	}
	out := make([]bson.M, 0, len(docs))
	for _, d := range docs {
		ok, err := matches(d, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// Count implements Source.
func (f *Files) Count(_ context.Context, collection string, filter bson.M) (int64, error) {
	docs, err := f.filtered(collection, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

// Stream implements Source.
func (f *Files) Stream(ctx context.Context, collection string, opts StreamOptions, fn func(bson.M) error) error {
	docs, err := f.filtered(collection, opts.Filter)
	if err != nil {
		return err
	}
	for i, d := range docs {
		if opts.Limit > 0 && int64(i) >= opts.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

// Sample implements Source.
func (f *Files) Sample(_ context.Context, collection string, n int) ([]bson.M, error) {
	docs, err := f.load(collection)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	if n >= len(docs) {
		return append([]bson.M(nil), docs...), nil
	}
	out := make([]bson.M, 0, n)
	for _, i := range rand.Perm(len(docs))[:n] {
		out = append(out, docs[i])
	}
	return out, nil
}

// FindByID implements Source.
func (f *Files) FindByID(_ context.Context, collection string, id any) (bson.M, error) {
	docs, err := f.load(collection)
	if err != nil {
		return nil, err
	}
	want := idKey(id)
	for _, d := range docs {
		if idKey(d["_id"]) == want {
			return d, nil
		}
	}
	return nil, ErrNotFound
}

// Close implements Source.
func (f *Files) Close(_ context.Context) error {
	f.mu.Lock()
	f.cache = map[string][]bson.M{}
	f.mu.Unlock()
	return nil
}
