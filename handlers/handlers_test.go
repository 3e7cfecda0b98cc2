package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/padraicbc/docmigrate/analyzer"
	"github.com/padraicbc/docmigrate/config"
	"github.com/padraicbc/docmigrate/db"
	"github.com/padraicbc/docmigrate/etl"
	"github.com/padraicbc/docmigrate/mapping"
	mw "github.com/padraicbc/docmigrate/middleware"
	"github.com/padraicbc/docmigrate/models"
	"github.com/padraicbc/docmigrate/sink"
	"github.com/padraicbc/docmigrate/source"
	"github.com/padraicbc/docmigrate/transform"
	"github.com/padraicbc/docmigrate/verify"
)

// memRepo keeps bookkeeping records in memory.
type memRepo struct {
	mu            sync.Mutex
	users         map[string]*models.User
	runs          map[uuid.UUID]*models.MigrationRun
	verifications []models.Verification
	analyses      []models.AnalysisReport
}

func newMemRepo(t *testing.T) *memRepo {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	return &memRepo{
		users: map[string]*models.User{
			"admin": {ID: 1, Username: "admin", Password: string(hash)},
			"ann":   {ID: 2, Username: "ann", Password: string(hash)},
		},
		runs: map[uuid.UUID]*models.MigrationRun{},
	}
}

func (m *memRepo) FindUser(_ context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (m *memRepo) ListRuns(_ context.Context, limit int) ([]models.MigrationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MigrationRun
	for _, r := range m.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) GetRun(_ context.Context, id uuid.UUID) (*models.MigrationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRepo) Recorder(startedBy string) etl.Recorder {
	return &memRecorder{repo: m, startedBy: startedBy}
}

func (m *memRepo) SaveVerification(_ context.Context, res *verify.Result) (*models.Verification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := models.Verification{ID: int64(len(m.verifications) + 1), Passed: res.Passed, Result: res}
	m.verifications = append(m.verifications, v)
	return &v, nil
}

func (m *memRepo) ListVerifications(context.Context, int) ([]models.Verification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifications, nil
}

func (m *memRepo) SaveAnalysis(_ context.Context, report *analyzer.Report) (*models.AnalysisReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := models.AnalysisReport{ID: int64(len(m.analyses) + 1), Collections: len(report.Collections), Report: report}
	m.analyses = append(m.analyses, a)
	return &a, nil
}

func (m *memRepo) LatestAnalysis(context.Context) (*models.AnalysisReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.analyses) == 0 {
		return nil, db.ErrNotFound
	}
	a := m.analyses[len(m.analyses)-1]
	return &a, nil
}

type memRecorder struct {
	repo      *memRepo
	startedBy string
}

func (r *memRecorder) RunStarted(_ context.Context, s *etl.Summary) error {
	r.repo.mu.Lock()
	defer r.repo.mu.Unlock()
	r.repo.runs[s.ID] = &models.MigrationRun{ID: s.ID, Status: etl.StatusRunning, StartedBy: r.startedBy, Started: s.Started}
	return nil
}

func (r *memRecorder) TableFinished(_ context.Context, id uuid.UUID, t etl.TableResult) error {
	r.repo.mu.Lock()
	defer r.repo.mu.Unlock()
	run := r.repo.runs[id]
	run.Tables = append(run.Tables, &models.TableRun{Table: t.Table, Status: t.Status, Written: t.Written})
	return nil
}

func (r *memRecorder) RunFinished(_ context.Context, s *etl.Summary) error {
	r.repo.mu.Lock()
	defer r.repo.mu.Unlock()
	run := r.repo.runs[s.ID]
	run.Status = s.Status
	run.Error = s.Error
	_, run.Written, _ = s.Totals()
	return nil
}

// memSink stores committed rows keyed by primary key.
type memSink struct {
	mu        sync.Mutex
	rows      map[string]map[string]transform.Row
	junctions map[string]int64
}

func newMemSink() *memSink {
	return &memSink{rows: map[string]map[string]transform.Row{}, junctions: map[string]int64{}}
}

func (s *memSink) Prepare(context.Context, []mapping.Table, []mapping.Table, sink.PrepareOptions) error {
	return nil
}

func (s *memSink) Begin(context.Context) (sink.Tx, error) {
	return &memTx{sink: s}, nil
}

func (s *memSink) Count(_ context.Context, table string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.junctions[table]; ok {
		return n, nil
	}
	return int64(len(s.rows[table])), nil
}

func (s *memSink) FetchRow(_ context.Context, table, _ string, key any, cols []string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[table][fmt.Sprint(key)]
	if !ok {
		return nil, sink.ErrRowNotFound
	}
	out := map[string]any{}
	for _, c := range cols {
		out[c], _ = row.Value(c)
	}
	return out, nil
}

type memTx struct {
	sink      *memSink
	table     string
	rows      []transform.Row
	junctions []transform.JunctionRow
}

func (tx *memTx) Insert(_ context.Context, t *mapping.Table, rows []transform.Row, js []transform.JunctionRow) error {
	tx.table = t.Name
	tx.rows = append(tx.rows, rows...)
	tx.junctions = append(tx.junctions, js...)
	return nil
}

func (tx *memTx) Commit() error {
	s := tx.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[tx.table] == nil {
		s.rows[tx.table] = map[string]transform.Row{}
	}
	for _, r := range tx.rows {
		s.rows[tx.table][fmt.Sprint(r.Key)] = r
	}
	for _, j := range tx.junctions {
		s.junctions[j.Table]++
	}
	return nil
}

func (tx *memTx) Rollback() error { return nil }

const testMapping = `
tables:
  - name: users
    collection: users
    columns:
      - {name: id, type: string}
      - {name: name, type: string, required: true}
  - name: posts
    collection: posts
    columns:
      - {name: id, type: string}
      - {name: user_id, source: userId, type: string, references: users}
    junctions:
      - {table: post_tags, source: tags, type: string}
`

var exportFiles = map[string]string{
	"users": `[{"_id": "u1", "name": "Ann"}, {"_id": "u2", "name": "Bo"}]`,
	"posts": `[{"_id": "p1", "userId": "u1", "tags": ["go", "sql"]}, {"_id": "p2", "userId": "u2", "tags": []}]`,
}

type testEnv struct {
	e    *echo.Echo
	h    *Handler
	repo *memRepo
	sink *memSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	for name, content := range exportFiles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(content), 0644))
	}
	mappingFile := filepath.Join(dir, "mapping.yaml")
	require.NoError(t, os.WriteFile(mappingFile, []byte(testMapping), 0644))

	cfg := &config.Config{
		SourceDir:     dir,
		MappingFile:   mappingFile,
		BatchSize:     10,
		Workers:       2,
		SampleSize:    100,
		TypeThreshold: 0.9,
		JWTSecret:     "test-secret",
		AdminUsers:    []string{"admin"},
	}
	sources := func(context.Context) (source.Source, error) {
		return source.OpenDir(dir, zap.NewNop())
	}

	env := &testEnv{e: echo.New(), repo: newMemRepo(t), sink: newMemSink()}
	env.h = New(cfg, env.repo, env.sink, sources, zap.NewNop())
	env.h.Register(env.e)
	return env
}

func (env *testEnv) token(t *testing.T, username string) string {
	t.Helper()
	claims := &mw.Claims{
		Username: username,
		UserHash: mw.UserHashFromUsername(username, env.h.JWTKey),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(env.h.JWTKey)
	require.NoError(t, err)
	return s
}

func (env *testEnv) do(t *testing.T, method, path, body, user string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+env.token(t, user))
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestSignin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/signin", `{"username": " ann ", "password": "secret"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]string
	decode(t, rec, &out)

	claims := &mw.Claims{}
	_, err := jwt.ParseWithClaims(out["token"], claims, func(*jwt.Token) (interface{}, error) { return env.h.JWTKey, nil })
	require.NoError(t, err)
	assert.Equal(t, "ann", claims.Username)
	assert.Equal(t, "docmigrate", claims.Issuer)
	assert.NotEmpty(t, out["expiresAt"])

	rec = env.do(t, http.MethodPost, "/api/signin", `{"username": "ann", "password": "wrong"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/signin", `{"username": "nobody", "password": "secret"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/signin", `{"username": "ann"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Password - required")
}

func TestPasswordHash(t *testing.T) {
	env := newTestEnv(t)
	body := `{"username": "carol", "password": "pw"}`

	rec := env.do(t, http.MethodPost, "/api/password-hash", body, "ann")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/password-hash", body, "ghost")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/password-hash", body, "admin")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]string
	decode(t, rec, &out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(out["password_hash"]), []byte("pw")))
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/runs", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMappings(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/mappings", "", "ann")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out mappingsResponse
	decode(t, rec, &out)
	assert.Len(t, out.Tables, 2)
	assert.Equal(t, [][]string{{"users"}, {"posts"}}, out.Layers)
}

func TestRunLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/runs", `{"workers": 1}`, "ann")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started map[string]string
	decode(t, rec, &started)
	env.h.Wait()

	rec = env.do(t, http.MethodGet, "/api/runs/"+started["id"], "", "ann")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var run models.MigrationRun
	decode(t, rec, &run)
	assert.Equal(t, etl.StatusOK, run.Status)
	assert.Equal(t, "ann", run.StartedBy)
	assert.Equal(t, int64(4), run.Written)
	assert.Len(t, run.Tables, 2)

	assert.Len(t, env.sink.rows["users"], 2)
	assert.Equal(t, int64(2), env.sink.junctions["post_tags"])

	rec = env.do(t, http.MethodGet, "/api/runs?limit=5", "", "ann")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []models.MigrationRun
	decode(t, rec, &runs)
	assert.Len(t, runs, 1)

	// the finished run is no longer cancelable
	rec = env.do(t, http.MethodPost, "/api/runs/"+started["id"]+"/cancel", "", "ann")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRun_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown table", `{"tables": ["comments"]}`, "unknown tables"},
		{"batch size", `{"batchSize": -1}`, "BatchSize - min"},
		{"empty table name", `{"tables": [""]}`, "required"},
		{"malformed", `{"tables": `, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/runs", tc.body, "ann")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.want)
		})
	}
	env.h.Wait()
	assert.Empty(t, env.repo.runs)
}

func TestStartRun_SourceUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.h.sources = func(context.Context) (source.Source, error) {
		return nil, errors.New("connection refused")
	}

	rec := env.do(t, http.MethodPost, "/api/runs", `{}`, "ann")
	require.Equal(t, http.StatusAccepted, rec.Code)
	env.h.Wait()

	require.Len(t, env.repo.runs, 1)
	for _, run := range env.repo.runs {
		assert.Equal(t, etl.StatusFailed, run.Status)
		assert.Contains(t, run.Error, "connection refused")
	}
}

func TestGetRun_Errors(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/runs/nope", "", "ann").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/runs/"+uuid.NewString(), "", "ann").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/runs?limit=0", "", "ann").Code)
}

func TestAnalysis(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/analysis/latest", "", "ann")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/analysis", `{"threshold": 1.5}`, "ann")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/analysis", `{"collections": ["users", "posts"], "validateRefs": true}`, "ann")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/analysis/latest", "", "ann")
	require.Equal(t, http.StatusOK, rec.Code)
	var a models.AnalysisReport
	decode(t, rec, &a)
	assert.Equal(t, 2, a.Collections)
	require.NotNil(t, a.Report)
	posts, ok := a.Report.Collection("posts")
	require.True(t, ok)
	require.NotEmpty(t, posts.Relationships)
	assert.Equal(t, "users", posts.Relationships[0].Target)
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/verify", `{}`, "ann")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var failed models.Verification
	decode(t, rec, &failed)
	assert.False(t, failed.Passed)

	rec = env.do(t, http.MethodPost, "/api/runs", `{}`, "ann")
	require.Equal(t, http.StatusAccepted, rec.Code)
	env.h.Wait()

	rec = env.do(t, http.MethodPost, "/api/verify", `{"junctions": true}`, "ann")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var passed models.Verification
	decode(t, rec, &passed)
	assert.True(t, passed.Passed, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/verifications", "", "ann")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Verification
	decode(t, rec, &list)
	assert.Len(t, list, 2)
}
