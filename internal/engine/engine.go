package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/xxxsen/otolib/internal/config"
	"github.com/xxxsen/otolib/internal/db"
	"github.com/xxxsen/otolib/internal/limiter"
	"github.com/xxxsen/otolib/internal/memo"
	"github.com/xxxsen/otolib/internal/model"
	"github.com/xxxsen/otolib/internal/report"
	"github.com/xxxsen/otolib/internal/scraper"
	"github.com/xxxsen/otolib/internal/walker"
)

// Item outcomes reported per processed work.
const (
	OutcomeAdded   = "added"
	OutcomeUpdated = "updated"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

const (
	adminUserName     = "admin"
	adminUserPassword = "admin"
	adminUserGroup    = "administrator"

	vaFixLockName = "va-fix.lock"
)

// Counts is the tally of one pipeline run.
type Counts struct {
	Added   int
	Updated int
	Skipped int
	Failed  int
}

type counter struct {
	mu sync.Mutex
	c  Counts
}

// add bumps the outcome tally and returns the new running count for it.
func (c *counter) add(outcome string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch outcome {
	case OutcomeAdded:
		c.c.Added++
		return c.c.Added
	case OutcomeUpdated:
		c.c.Updated++
		return c.c.Updated
	case OutcomeSkipped:
		c.c.Skipped++
		return c.c.Skipped
	default:
		c.c.Failed++
		return c.c.Failed
	}
}

func (c *counter) snapshot() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c
}

// metadataSource fetches the full catalog record of a work, typically a
// fallback chain over several remote sources.
type metadataSource interface {
	Fetch(ctx context.Context, id int, tagLanguage string) (*model.WorkRecord, error)
}

// dynamicSource fetches only the volatile sale and rating figures. There is
// no fallback for it, the figures exist on the primary catalog alone.
type dynamicSource interface {
	FetchDynamic(ctx context.Context, id int) (*model.WorkRecord, error)
}

type memoScanner interface {
	Scan(ctx context.Context, dir string, old model.Memo) (*memo.Result, error)
}

type coverFetcher interface {
	Fetch(ctx context.Context, id int) error
	FetchMissing(ctx context.Context, id int) error
	MissingVariants(id int) ([]string, error)
	Remove(ctx context.Context, id int) error
}

// UpdateRequest selects what a metadata refresh touches and which works it
// covers.
type UpdateRequest struct {
	Options db.UpdateOptions
	// FilterVAs restricts the refresh to works voiced by any of these voice
	// actor ids. Empty means every work.
	FilterVAs []string
}

// needStatic reports whether the refresh needs the full record rather than
// the dynamic figures only.
func (r UpdateRequest) needStatic() bool {
	o := r.Options
	return o.IncludeVA || o.IncludeTags || o.PurgeTags || o.IncludeNSFW || o.RefreshAll
}

// Engine orchestrates the scan, update and modify pipelines over the library.
type Engine struct {
	cfg     *config.Config
	dbh     *sql.DB
	works   *db.WorkDAO
	users   *db.UserDAO
	source  metadataSource
	dynamic dynamicSource
	memo    memoScanner
	covers  coverFetcher
	lim     *limiter.Limiter
	rep     report.Reporter
}

// New wires an engine from its collaborators.
func New(cfg *config.Config, dbh *sql.DB,
	source metadataSource, dynamic dynamicSource,
	memoScanner memoScanner, covers coverFetcher, rep report.Reporter) *Engine {
	return &Engine{
		cfg:     cfg,
		dbh:     dbh,
		works:   db.NewWorkDAO(dbh),
		users:   db.NewUserDAO(dbh),
		source:  source,
		dynamic: dynamic,
		memo:    memoScanner,
		covers:  covers,
		lim:     limiter.New(cfg.MaxParallelism),
		rep:     rep,
	}
}

// Scan synchronizes the store with the library roots: removes works whose
// directory is gone, then walks every root and adds or repairs what it finds.
func (e *Engine) Scan(ctx context.Context) (Counts, error) {
	counts := &counter{}

	if err := os.MkdirAll(e.cfg.CoverDir, 0o755); err != nil {
		return counts.snapshot(), fmt.Errorf("ensure cover dir: %w", err)
	}
	if err := db.EnsureSchema(ctx, e.dbh); err != nil {
		return counts.snapshot(), err
	}
	if err := e.users.EnsureUser(ctx, adminUserName, adminUserPassword, adminUserGroup); err != nil {
		return counts.snapshot(), err
	}
	if err := e.backfillVoiceActors(ctx); err != nil {
		return counts.snapshot(), err
	}
	if !e.cfg.SkipCleanup {
		if err := e.cleanup(ctx); err != nil {
			return counts.snapshot(), err
		}
	}

	var folders []model.FolderDescriptor
	for _, root := range e.cfg.RootFolders {
		found, err := walker.ListWorkFolders(ctx, root, e.cfg.ScannerMaxRecursionDepth, e.rep)
		if err != nil {
			return counts.snapshot(), fmt.Errorf("walk root %s: %w", root.Name, err)
		}
		folders = append(folders, found...)
	}

	unique, duplicates := walker.Deduplicate(folders)
	for id, dups := range duplicates {
		for _, folder := range dups {
			e.rep.MainLog(report.LevelWarn,
				fmt.Sprintf("RJ%s 存在重复文件夹, 跳过 %s", model.FormatRJCode(id), folder.RelativePath))
			e.finishItem(counts, rjcode(id), OutcomeSkipped)
		}
	}

	var wg sync.WaitGroup
	for _, folder := range unique {
		wg.Add(1)
		go func(folder model.FolderDescriptor) {
			defer wg.Done()
			_ = e.lim.Do(ctx, func() error {
				e.scanFolder(ctx, folder, counts)
				return nil
			})
		}(folder)
	}
	wg.Wait()

	result := counts.snapshot()
	e.rep.Finished(fmt.Sprintf("扫描完成: 新增 %d, 更新 %d, 跳过 %d, 失败 %d",
		result.Added, result.Updated, result.Skipped, result.Failed))
	if result.Failed > 0 {
		return result, fmt.Errorf("scan finished with %d failed works", result.Failed)
	}
	return result, nil
}

func (e *Engine) scanFolder(ctx context.Context, folder model.FolderDescriptor, counts *counter) {
	id := rjcode(folder.ID)
	e.rep.TaskAdded(id)

	exists, err := e.works.Exists(ctx, folder.ID)
	if err != nil {
		e.rep.TaskLog(id, report.LevelError, err.Error())
		e.finishItem(counts, id, OutcomeFailed)
		return
	}
	if exists {
		e.refreshExisting(ctx, folder, counts)
		return
	}

	rec, err := e.source.Fetch(ctx, folder.ID, e.cfg.TagLanguage)
	if err != nil {
		e.rep.TaskLog(id, report.LevelError, fmt.Sprintf("获取元数据失败: %v", err))
		e.finishItem(counts, id, OutcomeFailed)
		return
	}

	scanned, err := e.memo.Scan(ctx, folder.AbsolutePath, nil)
	if err != nil {
		e.rep.TaskLog(id, report.LevelError, fmt.Sprintf("扫描音声目录失败: %v", err))
		e.finishItem(counts, id, OutcomeFailed)
		return
	}

	rec.RootFolder = folder.RootFolderName
	rec.Dir = folder.RelativePath
	rec.AddTime = folder.AddTime
	rec.Memo = scanned.Memo
	rec.Duration = scanned.TotalDuration
	rec.HasLyric = scanned.HasLyric

	if err := e.works.InsertWork(ctx, rec); err != nil {
		e.rep.TaskLog(id, report.LevelError, fmt.Sprintf("写入元数据失败: %v", err))
		e.finishItem(counts, id, OutcomeFailed)
		return
	}
	if err := e.covers.Fetch(ctx, folder.ID); err != nil {
		e.rep.TaskLog(id, report.LevelError, fmt.Sprintf("下载封面失败: %v", err))
		e.finishItem(counts, id, OutcomeFailed)
		return
	}
	e.finishItem(counts, id, OutcomeAdded)
}

// refreshExisting repoints a known work at its current directory and repairs
// missing cover variants. A fully covered work in place is untouched.
func (e *Engine) refreshExisting(ctx context.Context, folder model.FolderDescriptor, counts *counter) {
	id := rjcode(folder.ID)
	if err := e.works.SetWorkLocation(ctx, folder.ID, folder.RootFolderName, folder.RelativePath); err != nil {
		e.rep.TaskLog(id, report.LevelError, err.Error())
		e.finishItem(counts, id, OutcomeFailed)
		return
	}
	missing, err := e.covers.MissingVariants(folder.ID)
	if err != nil {
		e.rep.TaskLog(id, report.LevelError, err.Error())
		e.finishItem(counts, id, OutcomeFailed)
		return
	}
	if len(missing) == 0 {
		e.finishItem(counts, id, OutcomeSkipped)
		return
	}
	if err := e.covers.FetchMissing(ctx, folder.ID); err != nil {
		e.rep.TaskLog(id, report.LevelError, fmt.Sprintf("补全封面失败: %v", err))
		e.finishItem(counts, id, OutcomeFailed)
		return
	}
	e.finishItem(counts, id, OutcomeUpdated)
}

// cleanup removes works whose directory disappeared from the library,
// together with their cover assets.
func (e *Engine) cleanup(ctx context.Context) error {
	stored, err := e.works.ListWorkDirs(ctx)
	if err != nil {
		return err
	}
	for _, work := range stored {
		if e.workDirAlive(work) {
			continue
		}
		if err := e.works.RemoveWork(ctx, work.ID); err != nil {
			return fmt.Errorf("remove vanished work %d: %w", work.ID, err)
		}
		if err := e.covers.Remove(ctx, work.ID); err != nil {
			return fmt.Errorf("remove covers of work %d: %w", work.ID, err)
		}
		e.rep.MainLog(report.LevelInfo,
			fmt.Sprintf("RJ%s 的目录已不存在, 已从数据库移除", model.FormatRJCode(work.ID)))
	}
	return nil
}

func (e *Engine) workDirAlive(work db.StoredWorkDir) bool {
	root, ok := e.cfg.FindRootFolder(work.RootFolder)
	if !ok {
		return false
	}
	_, err := os.Stat(filepath.Join(root.Path, work.Dir))
	return err == nil
}

// backfillVoiceActors repairs voice actor rows whose id does not match the
// one derived from the name, then refreshes the affected works. It runs only
// when the operator dropped a lock file next to the database.
func (e *Engine) backfillVoiceActors(ctx context.Context) error {
	lockPath := filepath.Join(filepath.Dir(e.cfg.DatabasePath), vaFixLockName)
	if _, err := os.Stat(lockPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", lockPath, err)
	}

	vas, err := e.works.ListVAs(ctx)
	if err != nil {
		return err
	}
	var staleIDs []string
	for _, va := range vas {
		if va.ID != scraper.NameToUUID(va.Name) {
			staleIDs = append(staleIDs, va.ID)
		}
	}
	if len(staleIDs) > 0 {
		ids, err := e.works.ListWorkIDsByVAs(ctx, staleIDs)
		if err != nil {
			return err
		}
		e.rep.MainLog(report.LevelInfo,
			fmt.Sprintf("检测到 %d 个声优记录需要修正, 涉及 %d 个音声", len(staleIDs), len(ids)))
		for _, id := range ids {
			rec, err := e.source.Fetch(ctx, id, e.cfg.TagLanguage)
			if err != nil {
				return fmt.Errorf("refetch work %d for voice actor fix: %w", id, err)
			}
			if err := e.works.UpdateWork(ctx, rec, db.UpdateOptions{IncludeVA: true}); err != nil {
				return err
			}
		}
	}

	if err := os.Remove(lockPath); err != nil {
		return fmt.Errorf("remove %s: %w", lockPath, err)
	}
	return nil
}

// Update refreshes stored metadata from the remote catalog.
func (e *Engine) Update(ctx context.Context, req UpdateRequest) (Counts, error) {
	counts := &counter{}

	var ids []int
	var err error
	if len(req.FilterVAs) > 0 {
		ids, err = e.works.ListWorkIDsByVAs(ctx, req.FilterVAs)
	} else {
		ids, err = e.works.ListWorkIDs(ctx)
	}
	if err != nil {
		return counts.snapshot(), err
	}

	var wg sync.WaitGroup
	for _, workID := range ids {
		wg.Add(1)
		go func(workID int) {
			defer wg.Done()
			_ = e.lim.Do(ctx, func() error {
				e.updateWork(ctx, workID, req, counts)
				return nil
			})
		}(workID)
	}
	wg.Wait()

	result := counts.snapshot()
	e.rep.Finished(fmt.Sprintf("更新完成: 更新 %d, 失败 %d", result.Updated, result.Failed))
	if result.Failed > 0 {
		return result, fmt.Errorf("update finished with %d failed works", result.Failed)
	}
	return result, nil
}

func (e *Engine) updateWork(ctx context.Context, workID int, req UpdateRequest, counts *counter) {
	id := rjcode(workID)
	e.rep.TaskAdded(id)

	var rec *model.WorkRecord
	var err error
	if req.needStatic() {
		rec, err = e.source.Fetch(ctx, workID, e.cfg.TagLanguage)
	} else {
		rec, err = e.dynamic.FetchDynamic(ctx, workID)
	}
	if err != nil {
		e.rep.TaskLog(id, report.LevelError, fmt.Sprintf("获取元数据失败: %v", err))
		e.finishItem(counts, id, OutcomeFailed)
		return
	}
	rec.ID = workID

	if err := e.works.UpdateWork(ctx, rec, req.Options); err != nil {
		e.rep.TaskLog(id, report.LevelError, fmt.Sprintf("写入元数据失败: %v", err))
		e.finishItem(counts, id, OutcomeFailed)
		return
	}
	e.finishItem(counts, id, OutcomeUpdated)
}

// Modify rescans the local files of every stored work and refreshes its memo,
// duration and lyric flag. Works whose directory is gone are skipped, removal
// is the scan pipeline's job.
func (e *Engine) Modify(ctx context.Context) (Counts, error) {
	counts := &counter{}

	stored, err := e.works.ListWorkDirs(ctx)
	if err != nil {
		return counts.snapshot(), err
	}

	var wg sync.WaitGroup
	for _, work := range stored {
		wg.Add(1)
		go func(work db.StoredWorkDir) {
			defer wg.Done()
			_ = e.lim.Do(ctx, func() error {
				e.modifyWork(ctx, work, counts)
				return nil
			})
		}(work)
	}
	wg.Wait()

	result := counts.snapshot()
	e.rep.Finished(fmt.Sprintf("刷新完成: 更新 %d, 跳过 %d, 失败 %d",
		result.Updated, result.Skipped, result.Failed))
	if result.Failed > 0 {
		return result, fmt.Errorf("modify finished with %d failed works", result.Failed)
	}
	return result, nil
}

func (e *Engine) modifyWork(ctx context.Context, work db.StoredWorkDir, counts *counter) {
	id := rjcode(work.ID)
	e.rep.TaskAdded(id)

	root, ok := e.cfg.FindRootFolder(work.RootFolder)
	if !ok {
		e.finishItem(counts, id, OutcomeSkipped)
		return
	}
	dir := filepath.Join(root.Path, work.Dir)
	if _, err := os.Stat(dir); err != nil {
		e.finishItem(counts, id, OutcomeSkipped)
		return
	}

	scanned, err := e.memo.Scan(ctx, dir, work.Memo)
	if err != nil {
		e.rep.TaskLog(id, report.LevelError, fmt.Sprintf("扫描音声目录失败: %v", err))
		e.finishItem(counts, id, OutcomeFailed)
		return
	}
	if err := e.works.SetWorkMemo(ctx, work.ID, scanned.Memo, scanned.TotalDuration, scanned.HasLyric); err != nil {
		e.rep.TaskLog(id, report.LevelError, fmt.Sprintf("写入元数据失败: %v", err))
		e.finishItem(counts, id, OutcomeFailed)
		return
	}
	e.finishItem(counts, id, OutcomeUpdated)
}

func (e *Engine) finishItem(counts *counter, id string, outcome string) {
	running := counts.add(outcome)
	e.rep.TaskRemoved(id, outcome)
	e.rep.ResultAdded(id, outcome, running)
}

func rjcode(id int) string {
	return "RJ" + model.FormatRJCode(id)
}
