package engine

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/otolib/internal/config"
	"github.com/xxxsen/otolib/internal/db"
	"github.com/xxxsen/otolib/internal/memo"
	"github.com/xxxsen/otolib/internal/model"
	"github.com/xxxsen/otolib/internal/report"
	"github.com/xxxsen/otolib/internal/scraper"
)

type fakeSource struct {
	mu      sync.Mutex
	records map[int]*model.WorkRecord
	err     error
	calls   int
}

func (s *fakeSource) Fetch(ctx context.Context, id int, tagLanguage string) (*model.WorkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, scraper.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeDynamic struct {
	mu      sync.Mutex
	records map[int]*model.WorkRecord
	calls   int
}

func (s *fakeDynamic) FetchDynamic(ctx context.Context, id int) (*model.WorkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	rec, ok := s.records[id]
	if !ok {
		return nil, scraper.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *fakeDynamic) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeMemoScanner struct {
	mu     sync.Mutex
	result *memo.Result
	err    error
	dirs   []string
}

func (s *fakeMemoScanner) Scan(ctx context.Context, dir string, old model.Memo) (*memo.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs = append(s.dirs, dir)
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &memo.Result{Memo: model.Memo{}}, nil
}

type fakeCovers struct {
	mu       sync.Mutex
	fetched  []int
	repaired []int
	removed  []int
	missing  map[int][]string
	fetchErr error
}

func (c *fakeCovers) Fetch(ctx context.Context, id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetchErr != nil {
		return c.fetchErr
	}
	c.fetched = append(c.fetched, id)
	return nil
}

func (c *fakeCovers) FetchMissing(ctx context.Context, id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetchErr != nil {
		return c.fetchErr
	}
	c.repaired = append(c.repaired, id)
	return nil
}

func (c *fakeCovers) MissingVariants(id int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missing[id], nil
}

func (c *fakeCovers) Remove(ctx context.Context, id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, id)
	return nil
}

type testEnv struct {
	cfg     *config.Config
	dbh     *sql.DB
	works   *db.WorkDAO
	source  *fakeSource
	dynamic *fakeDynamic
	scanner *fakeMemoScanner
	covers  *fakeCovers
	rep     *report.Memory
	engine  *Engine
	rootDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	base := t.TempDir()
	rootDir := filepath.Join(base, "library")
	require.NoError(t, os.MkdirAll(rootDir, 0o755))

	cfg := &config.Config{
		RootFolders:              []config.RootFolder{{Name: "library", Path: rootDir}},
		DatabasePath:             filepath.Join(base, "works.db"),
		CoverDir:                 filepath.Join(base, "covers"),
		MaxParallelism:           4,
		ScannerMaxRecursionDepth: 2,
		TagLanguage:              "zh-cn",
	}

	dbh, err := db.Open(cfg.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { dbh.Close() })
	require.NoError(t, db.EnsureSchema(context.Background(), dbh))

	env := &testEnv{
		cfg:     cfg,
		dbh:     dbh,
		works:   db.NewWorkDAO(dbh),
		source:  &fakeSource{records: map[int]*model.WorkRecord{}},
		dynamic: &fakeDynamic{records: map[int]*model.WorkRecord{}},
		scanner: &fakeMemoScanner{},
		covers:  &fakeCovers{missing: map[int][]string{}},
		rep:     report.NewMemory(),
		rootDir: rootDir,
	}
	env.engine = New(cfg, dbh, env.source, env.dynamic, env.scanner, env.covers, env.rep)
	return env
}

func (env *testEnv) addWorkFolder(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(env.rootDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func catalogRecord(id int) *model.WorkRecord {
	return &model.WorkRecord{
		ID:      id,
		Title:   "夏の音",
		Circle:  model.Circle{ID: 100, Name: "サークルA"},
		NSFW:    true,
		Release: "2021-03-05",
		DLCount: 1500,
		Tags:    []model.Tag{{ID: 497, Name: "癒し"}},
		VAs:     []model.VA{{ID: scraper.NameToUUID("かの仔"), Name: "かの仔"}},
	}
}

func TestScanAddsNewWork(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.addWorkFolder(t, "RJ000111 夏の音")
	env.source.records[111] = catalogRecord(111)
	env.scanner.result = &memo.Result{
		Memo:          model.Memo{"track.mp3": {MTime: 1000, Duration: 180}},
		TotalDuration: 180,
		HasLyric:      true,
	}

	counts, err := env.engine.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Added: 1}, counts)

	got, err := env.works.GetWork(context.Background(), 111)
	require.NoError(t, err)
	assert.Equal(t, "夏の音", got.Title)
	assert.Equal(t, "library", got.RootFolder)
	assert.Equal(t, "RJ000111 夏の音", got.Dir)
	assert.Equal(t, float64(180), got.Duration)
	assert.True(t, got.HasLyric)
	assert.Equal(t, []int{111}, env.covers.fetched)

	outcome, ok := env.rep.Outcome("RJ000111")
	require.True(t, ok)
	assert.Equal(t, OutcomeAdded, outcome)

	// scan bootstraps the local admin account
	hasAdmin, err := db.NewUserDAO(env.dbh).HasUser(context.Background(), "admin")
	require.NoError(t, err)
	assert.True(t, hasAdmin)
}

func TestScanIsIdempotent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.addWorkFolder(t, "RJ000111 夏の音")
	env.source.records[111] = catalogRecord(111)

	_, err := env.engine.Scan(context.Background())
	require.NoError(t, err)

	counts, err := env.engine.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Skipped: 1}, counts)
	assert.Equal(t, 1, env.source.callCount(), "metadata is not refetched for known works")
}

func TestScanRepointsMovedWork(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.cfg.SkipCleanup = true // the old directory is gone, only the new one exists
	rec := catalogRecord(111)
	rec.RootFolder = "library"
	rec.Dir = "old location"
	require.NoError(t, env.works.InsertWork(context.Background(), rec))
	env.addWorkFolder(t, "RJ000111 夏の音")

	counts, err := env.engine.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Skipped: 1}, counts)

	got, err := env.works.GetWork(context.Background(), 111)
	require.NoError(t, err)
	assert.Equal(t, "RJ000111 夏の音", got.Dir)
}

func TestScanRepairsMissingCovers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.addWorkFolder(t, "RJ000111 夏の音")
	env.source.records[111] = catalogRecord(111)

	_, err := env.engine.Scan(context.Background())
	require.NoError(t, err)

	env.covers.missing[111] = []string{"sam"}
	counts, err := env.engine.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Updated: 1}, counts)
	assert.Equal(t, []int{111}, env.covers.repaired)
}

func TestScanCountsMetadataFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.addWorkFolder(t, "RJ000111 夏の音")
	// no catalog record registered: the fetch reports not found

	counts, err := env.engine.Scan(context.Background())
	require.Error(t, err)
	assert.Equal(t, Counts{Failed: 1}, counts)

	exists, err := env.works.Exists(context.Background(), 111)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestScanCoverFailureCountsFailed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.addWorkFolder(t, "RJ000111 夏の音")
	env.source.records[111] = catalogRecord(111)
	env.covers.fetchErr = errors.New("remote image gone")

	counts, err := env.engine.Scan(context.Background())
	require.Error(t, err)
	assert.Equal(t, Counts{Failed: 1}, counts)
}

func TestScanSkipsDuplicateFolders(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.addWorkFolder(t, "RJ000111 夏の音")
	env.addWorkFolder(t, "RJ000111 夏の音 (copy)")
	env.source.records[111] = catalogRecord(111)

	counts, err := env.engine.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Added: 1, Skipped: 1}, counts)
}

func TestScanCleanupRemovesVanishedWork(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := catalogRecord(222)
	rec.RootFolder = "library"
	rec.Dir = "RJ000222 gone"
	require.NoError(t, env.works.InsertWork(context.Background(), rec))

	counts, err := env.engine.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)

	exists, err := env.works.Exists(context.Background(), 222)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, []int{222}, env.covers.removed)
}

func TestScanSkipCleanupKeepsVanishedWork(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.cfg.SkipCleanup = true
	rec := catalogRecord(222)
	rec.RootFolder = "library"
	rec.Dir = "RJ000222 gone"
	require.NoError(t, env.works.InsertWork(context.Background(), rec))

	_, err := env.engine.Scan(context.Background())
	require.NoError(t, err)

	exists, err := env.works.Exists(context.Background(), 222)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestScanVoiceActorBackfill(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.addWorkFolder(t, "RJ000111 夏の音")
	rec := catalogRecord(111)
	rec.RootFolder = "library"
	rec.Dir = "RJ000111 夏の音"
	rec.VAs = []model.VA{{ID: "legacy-id", Name: "かの仔"}}
	require.NoError(t, env.works.InsertWork(context.Background(), rec))
	env.source.records[111] = catalogRecord(111)

	lockPath := filepath.Join(filepath.Dir(env.cfg.DatabasePath), "va-fix.lock")
	require.NoError(t, os.WriteFile(lockPath, nil, 0o644))

	_, err := env.engine.Scan(context.Background())
	require.NoError(t, err)

	got, err := env.works.GetWork(context.Background(), 111)
	require.NoError(t, err)
	require.Len(t, got.VAs, 1)
	assert.Equal(t, scraper.NameToUUID("かの仔"), got.VAs[0].ID)

	_, statErr := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(statErr), "lock file is consumed on success")
}

func TestUpdateDynamicOnly(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := catalogRecord(111)
	rec.RootFolder = "library"
	rec.Dir = "RJ000111 夏の音"
	require.NoError(t, env.works.InsertWork(context.Background(), rec))
	env.dynamic.records[111] = &model.WorkRecord{DLCount: 9999, Price: 880}

	counts, err := env.engine.Update(context.Background(), UpdateRequest{})
	require.NoError(t, err)
	assert.Equal(t, Counts{Updated: 1}, counts)
	assert.Equal(t, 1, env.dynamic.callCount())
	assert.Equal(t, 0, env.source.callCount())

	got, err := env.works.GetWork(context.Background(), 111)
	require.NoError(t, err)
	assert.Equal(t, 9999, got.DLCount)
	assert.Equal(t, "夏の音", got.Title)
}

func TestUpdateStaticUsesFallbackChain(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := catalogRecord(111)
	rec.RootFolder = "library"
	rec.Dir = "RJ000111 夏の音"
	require.NoError(t, env.works.InsertWork(context.Background(), rec))

	fresh := catalogRecord(111)
	fresh.VAs = []model.VA{{ID: scraper.NameToUUID("こっこ"), Name: "こっこ"}}
	env.source.records[111] = fresh

	counts, err := env.engine.Update(context.Background(),
		UpdateRequest{Options: db.UpdateOptions{IncludeVA: true}})
	require.NoError(t, err)
	assert.Equal(t, Counts{Updated: 1}, counts)
	assert.Equal(t, 1, env.source.callCount())
	assert.Equal(t, 0, env.dynamic.callCount())

	got, err := env.works.GetWork(context.Background(), 111)
	require.NoError(t, err)
	require.Len(t, got.VAs, 1)
	assert.Equal(t, "こっこ", got.VAs[0].Name)
}

func TestUpdateFilterByVoiceActor(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	first := catalogRecord(111)
	first.RootFolder = "library"
	first.Dir = "a"
	second := catalogRecord(222)
	second.RootFolder = "library"
	second.Dir = "b"
	second.VAs = []model.VA{{ID: "va-other", Name: "こっこ"}}
	require.NoError(t, env.works.InsertWork(context.Background(), first))
	require.NoError(t, env.works.InsertWork(context.Background(), second))

	env.dynamic.records[222] = &model.WorkRecord{DLCount: 5}

	counts, err := env.engine.Update(context.Background(),
		UpdateRequest{FilterVAs: []string{"va-other"}})
	require.NoError(t, err)
	assert.Equal(t, Counts{Updated: 1}, counts)
	assert.Equal(t, 1, env.dynamic.callCount())
}

func TestModifyRescansAndSkipsMissingDirs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	alive := catalogRecord(111)
	alive.RootFolder = "library"
	alive.Dir = "RJ000111 夏の音"
	gone := catalogRecord(222)
	gone.RootFolder = "library"
	gone.Dir = "RJ000222 gone"
	require.NoError(t, env.works.InsertWork(context.Background(), alive))
	require.NoError(t, env.works.InsertWork(context.Background(), gone))
	env.addWorkFolder(t, "RJ000111 夏の音")

	env.scanner.result = &memo.Result{
		Memo:          model.Memo{"new.mp3": {MTime: 5, Duration: 42}},
		TotalDuration: 42,
	}

	counts, err := env.engine.Modify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Updated: 1, Skipped: 1}, counts)

	got, err := env.works.GetWork(context.Background(), 111)
	require.NoError(t, err)
	assert.Equal(t, float64(42), got.Duration)
	assert.Equal(t, float64(42), got.Memo["new.mp3"].Duration)
}
