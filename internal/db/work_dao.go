package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/otolib/internal/model"
)

const (
	workTableName = "t_work"

	insertCircleSQL = `INSERT OR IGNORE INTO t_circle (id, name) VALUES (?, ?)`
	insertTagSQL    = `INSERT OR IGNORE INTO t_tag (id, name) VALUES (?, ?)`
	insertVASQL     = `INSERT OR IGNORE INTO t_va (id, name) VALUES (?, ?)`

	insertWorkSQL = `INSERT INTO t_work (
	id, root_folder, dir, title, circle_id, nsfw, release, add_time,
	dl_count, price, review_count, rate_count, rate_average_2dp,
	rate_count_detail, rank, memo, duration, has_lyric
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertTagRelationSQL = `INSERT OR IGNORE INTO r_tag_work (tag_id, work_id) VALUES (?, ?)`
	insertVARelationSQL  = `INSERT OR IGNORE INTO r_va_work (va_id, work_id) VALUES (?, ?)`

	selectWorkSQL = `SELECT id, root_folder, dir, title, circle_id, nsfw, release, add_time,
	dl_count, price, review_count, rate_count, rate_average_2dp,
	rate_count_detail, rank, memo, duration, has_lyric
FROM t_work WHERE id = ?`

	selectWorkExistsSQL = `SELECT 1 FROM t_work WHERE id = ? LIMIT 1`
	selectWorkIDsSQL    = `SELECT id FROM t_work ORDER BY id`
	selectWorkDirsSQL   = `SELECT id, root_folder, dir, memo FROM t_work ORDER BY id`

	selectCircleSQL   = `SELECT name FROM t_circle WHERE id = ?`
	selectVAsSQL      = `SELECT id, name FROM t_va ORDER BY id`
	selectWorkTagsSQL = `SELECT t.id, t.name FROM t_tag t JOIN r_tag_work r ON r.tag_id = t.id WHERE r.work_id = ? ORDER BY t.id`
	selectWorkVAsSQL  = `SELECT v.id, v.name FROM t_va v JOIN r_va_work r ON r.va_id = v.id WHERE r.work_id = ? ORDER BY v.id`

	deleteWorkSQL         = `DELETE FROM t_work WHERE id = ?`
	deleteWorkTagsSQL     = `DELETE FROM r_tag_work WHERE work_id = ?`
	deleteWorkVAsSQL      = `DELETE FROM r_va_work WHERE work_id = ?`
	deleteWorkReviewsSQL  = `DELETE FROM t_review WHERE work_id = ?`
	countCircleWorksSQL   = `SELECT COUNT(1) FROM t_work WHERE circle_id = ?`
	countTagRelationsSQL  = `SELECT COUNT(1) FROM r_tag_work WHERE tag_id = ?`
	countVARelationsSQL   = `SELECT COUNT(1) FROM r_va_work WHERE va_id = ?`
	deleteCircleSQL       = `DELETE FROM t_circle WHERE id = ?`
	deleteTagSQL          = `DELETE FROM t_tag WHERE id = ?`
	deleteVASQL           = `DELETE FROM t_va WHERE id = ?`
	selectWorkTagIDsSQL   = `SELECT tag_id FROM r_tag_work WHERE work_id = ?`
	selectWorkVAIDsSQL    = `SELECT va_id FROM r_va_work WHERE work_id = ?`
	selectWorkCircleIDSQL = `SELECT circle_id FROM t_work WHERE id = ?`
)

// ErrWorkNotFound reports a lookup for a work id that is not in the store.
var ErrWorkNotFound = errors.New("work not found")

// UpdateOptions control which metadata groups a refresh touches. Volatile
// sale figures are always refreshed.
type UpdateOptions struct {
	IncludeVA   bool
	IncludeTags bool
	PurgeTags   bool
	IncludeNSFW bool
	RefreshAll  bool
}

// StoredWorkDir is the location snapshot of a persisted work, used by the
// cleanup and rescan passes.
type StoredWorkDir struct {
	ID         int
	RootFolder string
	Dir        string
	Memo       model.Memo
}

// WorkDAO persists work records and their circle, tag and voice actor
// relations.
type WorkDAO struct {
	db *sql.DB
}

// NewWorkDAO builds a DAO on the given database handle.
func NewWorkDAO(db *sql.DB) *WorkDAO {
	return &WorkDAO{db: db}
}

// Exists reports whether the work id is already persisted.
func (dao *WorkDAO) Exists(ctx context.Context, id int) (bool, error) {
	rows, err := dao.db.QueryContext(ctx, selectWorkExistsSQL, id)
	if err != nil {
		return false, fmt.Errorf("query work %d: %w", id, err)
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// InsertWork persists a scraped record plus every relation it carries inside
// one transaction. Shared rows (circle, tags, voice actors) are created when
// first seen and left alone otherwise.
func (dao *WorkDAO) InsertWork(ctx context.Context, rec *model.WorkRecord) error {
	return OnTransaction(ctx, dao.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertCircleSQL, rec.Circle.ID, rec.Circle.Name); err != nil {
			return fmt.Errorf("insert circle %d: %w", rec.Circle.ID, err)
		}

		detailJSON, rankJSON, memoJSON, err := marshalOpaque(rec)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertWorkSQL,
			rec.ID, rec.RootFolder, rec.Dir, rec.Title, rec.Circle.ID,
			boolToInt(rec.NSFW), rec.Release, rec.AddTime,
			rec.DLCount, rec.Price, rec.ReviewCount, rec.RateCount, rec.RateAverage2DP,
			detailJSON, rankJSON, memoJSON, rec.Duration, boolToInt(rec.HasLyric),
		); err != nil {
			return fmt.Errorf("insert work %d: %w", rec.ID, err)
		}

		if err := insertTags(ctx, tx, rec.ID, rec.Tags); err != nil {
			return err
		}
		return insertVAs(ctx, tx, rec.ID, rec.VAs)
	})
}

// UpdateWork refreshes a persisted record from a newly scraped one. Sale and
// rating figures always refresh; the options widen the refresh to voice
// actors, tags, the age rating or the whole static block.
func (dao *WorkDAO) UpdateWork(ctx context.Context, rec *model.WorkRecord, opts UpdateOptions) error {
	return OnTransaction(ctx, dao.db, func(ctx context.Context, tx *sql.Tx) error {
		detailJSON, err := json.Marshal(rec.RateCountDetail)
		if err != nil {
			return fmt.Errorf("marshal rate detail: %w", err)
		}
		rankJSON, err := json.Marshal(rec.Rank)
		if err != nil {
			return fmt.Errorf("marshal rank: %w", err)
		}

		update := map[string]interface{}{
			"dl_count":          rec.DLCount,
			"price":             rec.Price,
			"review_count":      rec.ReviewCount,
			"rate_count":        rec.RateCount,
			"rate_average_2dp":  rec.RateAverage2DP,
			"rate_count_detail": string(detailJSON),
			"rank":              string(rankJSON),
		}
		if opts.RefreshAll {
			if _, err := tx.ExecContext(ctx, insertCircleSQL, rec.Circle.ID, rec.Circle.Name); err != nil {
				return fmt.Errorf("insert circle %d: %w", rec.Circle.ID, err)
			}
			update["title"] = rec.Title
			update["circle_id"] = rec.Circle.ID
			update["release"] = rec.Release
		}
		if opts.IncludeNSFW || opts.RefreshAll {
			update["nsfw"] = boolToInt(rec.NSFW)
		}

		updateSQL, args, err := builder.BuildUpdate(workTableName,
			map[string]interface{}{"id": rec.ID}, update)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, updateSQL, args...); err != nil {
			return fmt.Errorf("update work %d: %w", rec.ID, err)
		}

		if opts.PurgeTags {
			if _, err := tx.ExecContext(ctx, deleteWorkTagsSQL, rec.ID); err != nil {
				return fmt.Errorf("purge tags of work %d: %w", rec.ID, err)
			}
		}
		if opts.IncludeTags || opts.PurgeTags || opts.RefreshAll {
			if err := insertTags(ctx, tx, rec.ID, rec.Tags); err != nil {
				return err
			}
		}
		if opts.IncludeVA || opts.RefreshAll {
			if _, err := tx.ExecContext(ctx, deleteWorkVAsSQL, rec.ID); err != nil {
				return fmt.Errorf("reset voice actors of work %d: %w", rec.ID, err)
			}
			if err := insertVAs(ctx, tx, rec.ID, rec.VAs); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetWorkMemo stores the refreshed local-file snapshot of a work.
func (dao *WorkDAO) SetWorkMemo(ctx context.Context, id int, memo model.Memo, duration float64, hasLyric bool) error {
	memoJSON, err := model.MarshalMemo(memo)
	if err != nil {
		return fmt.Errorf("marshal memo of work %d: %w", id, err)
	}
	updateSQL, args, err := builder.BuildUpdate(workTableName,
		map[string]interface{}{"id": id},
		map[string]interface{}{
			"memo":      memoJSON,
			"duration":  duration,
			"has_lyric": boolToInt(hasLyric),
		})
	if err != nil {
		return err
	}
	if _, err := dao.db.ExecContext(ctx, updateSQL, args...); err != nil {
		return fmt.Errorf("set memo of work %d: %w", id, err)
	}
	return nil
}

// SetWorkLocation repoints a persisted work at a new directory, for works
// that moved between scans.
func (dao *WorkDAO) SetWorkLocation(ctx context.Context, id int, rootFolder, dir string) error {
	updateSQL, args, err := builder.BuildUpdate(workTableName,
		map[string]interface{}{"id": id},
		map[string]interface{}{
			"root_folder": rootFolder,
			"dir":         dir,
		})
	if err != nil {
		return err
	}
	if _, err := dao.db.ExecContext(ctx, updateSQL, args...); err != nil {
		return fmt.Errorf("set location of work %d: %w", id, err)
	}
	return nil
}

// RemoveWork deletes a work with its relations and reviews, then drops any
// circle, tag or voice actor row the deletion orphaned.
func (dao *WorkDAO) RemoveWork(ctx context.Context, id int) error {
	return OnTransaction(ctx, dao.db, func(ctx context.Context, tx *sql.Tx) error {
		var circleID int
		if err := tx.QueryRowContext(ctx, selectWorkCircleIDSQL, id).Scan(&circleID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrWorkNotFound
			}
			return fmt.Errorf("load circle of work %d: %w", id, err)
		}
		tagIDs, err := scanInts(ctx, tx, selectWorkTagIDsSQL, id)
		if err != nil {
			return err
		}
		vaIDs, err := scanStrings(ctx, tx, selectWorkVAIDsSQL, id)
		if err != nil {
			return err
		}

		for _, stmt := range []string{deleteWorkTagsSQL, deleteWorkVAsSQL, deleteWorkReviewsSQL, deleteWorkSQL} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("remove work %d: %w", id, err)
			}
		}

		if err := dropIfOrphaned(ctx, tx, countCircleWorksSQL, deleteCircleSQL, circleID); err != nil {
			return err
		}
		for _, tagID := range tagIDs {
			if err := dropIfOrphaned(ctx, tx, countTagRelationsSQL, deleteTagSQL, tagID); err != nil {
				return err
			}
		}
		for _, vaID := range vaIDs {
			if err := dropIfOrphaned(ctx, tx, countVARelationsSQL, deleteVASQL, vaID); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetWork loads one full record with its circle, tags and voice actors.
func (dao *WorkDAO) GetWork(ctx context.Context, id int) (*model.WorkRecord, error) {
	rec := &model.WorkRecord{}
	var (
		nsfw       int
		hasLyric   int
		detailJSON string
		rankJSON   string
		memoJSON   string
	)
	err := dao.db.QueryRowContext(ctx, selectWorkSQL, id).Scan(
		&rec.ID, &rec.RootFolder, &rec.Dir, &rec.Title, &rec.Circle.ID,
		&nsfw, &rec.Release, &rec.AddTime,
		&rec.DLCount, &rec.Price, &rec.ReviewCount, &rec.RateCount, &rec.RateAverage2DP,
		&detailJSON, &rankJSON, &memoJSON, &rec.Duration, &hasLyric,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load work %d: %w", id, err)
	}
	rec.NSFW = nsfw != 0
	rec.HasLyric = hasLyric != 0

	if detailJSON != "" {
		if err := json.Unmarshal([]byte(detailJSON), &rec.RateCountDetail); err != nil {
			return nil, fmt.Errorf("decode rate detail of work %d: %w", id, err)
		}
	}
	if rankJSON != "" {
		if err := json.Unmarshal([]byte(rankJSON), &rec.Rank); err != nil {
			return nil, fmt.Errorf("decode rank of work %d: %w", id, err)
		}
	}
	if rec.Memo, err = model.UnmarshalMemo(memoJSON); err != nil {
		return nil, fmt.Errorf("decode memo of work %d: %w", id, err)
	}

	if err := dao.db.QueryRowContext(ctx, selectCircleSQL, rec.Circle.ID).Scan(&rec.Circle.Name); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load circle of work %d: %w", id, err)
	}
	if rec.Tags, err = dao.listWorkTags(ctx, id); err != nil {
		return nil, err
	}
	if rec.VAs, err = dao.listWorkVAs(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListWorkIDs returns every persisted work id in ascending order.
func (dao *WorkDAO) ListWorkIDs(ctx context.Context) ([]int, error) {
	rows, err := dao.db.QueryContext(ctx, selectWorkIDsSQL)
	if err != nil {
		return nil, fmt.Errorf("list work ids: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListWorkIDsByVAs returns the ids of works voiced by any of the given voice
// actor ids.
func (dao *WorkDAO) ListWorkIDsByVAs(ctx context.Context, vaIDs []string) ([]int, error) {
	if len(vaIDs) == 0 {
		return nil, nil
	}
	querySQL, args, err := builder.BuildSelect("r_va_work",
		map[string]interface{}{"va_id in": vaIDs}, []string{"work_id"})
	if err != nil {
		return nil, err
	}
	rows, err := dao.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("list works by voice actors: %w", err)
	}
	defer rows.Close()

	seen := make(map[int]struct{})
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListWorkDirs returns the location snapshot of every persisted work.
func (dao *WorkDAO) ListWorkDirs(ctx context.Context) ([]StoredWorkDir, error) {
	rows, err := dao.db.QueryContext(ctx, selectWorkDirsSQL)
	if err != nil {
		return nil, fmt.Errorf("list work dirs: %w", err)
	}
	defer rows.Close()

	var result []StoredWorkDir
	for rows.Next() {
		var item StoredWorkDir
		var memoJSON string
		if err := rows.Scan(&item.ID, &item.RootFolder, &item.Dir, &memoJSON); err != nil {
			return nil, err
		}
		if item.Memo, err = model.UnmarshalMemo(memoJSON); err != nil {
			return nil, fmt.Errorf("decode memo of work %d: %w", item.ID, err)
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// ListVAs returns every stored voice actor.
func (dao *WorkDAO) ListVAs(ctx context.Context) ([]model.VA, error) {
	rows, err := dao.db.QueryContext(ctx, selectVAsSQL)
	if err != nil {
		return nil, fmt.Errorf("list voice actors: %w", err)
	}
	defer rows.Close()

	var vas []model.VA
	for rows.Next() {
		var va model.VA
		if err := rows.Scan(&va.ID, &va.Name); err != nil {
			return nil, err
		}
		vas = append(vas, va)
	}
	return vas, rows.Err()
}

func (dao *WorkDAO) listWorkTags(ctx context.Context, id int) ([]model.Tag, error) {
	rows, err := dao.db.QueryContext(ctx, selectWorkTagsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("list tags of work %d: %w", id, err)
	}
	defer rows.Close()

	var tags []model.Tag
	for rows.Next() {
		var tag model.Tag
		if err := rows.Scan(&tag.ID, &tag.Name); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (dao *WorkDAO) listWorkVAs(ctx context.Context, id int) ([]model.VA, error) {
	rows, err := dao.db.QueryContext(ctx, selectWorkVAsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("list voice actors of work %d: %w", id, err)
	}
	defer rows.Close()

	var vas []model.VA
	for rows.Next() {
		var va model.VA
		if err := rows.Scan(&va.ID, &va.Name); err != nil {
			return nil, err
		}
		vas = append(vas, va)
	}
	return vas, rows.Err()
}

func insertTags(ctx context.Context, tx *sql.Tx, workID int, tags []model.Tag) error {
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, insertTagSQL, tag.ID, tag.Name); err != nil {
			return fmt.Errorf("insert tag %d: %w", tag.ID, err)
		}
		if _, err := tx.ExecContext(ctx, insertTagRelationSQL, tag.ID, workID); err != nil {
			return fmt.Errorf("relate tag %d to work %d: %w", tag.ID, workID, err)
		}
	}
	return nil
}

func insertVAs(ctx context.Context, tx *sql.Tx, workID int, vas []model.VA) error {
	for _, va := range vas {
		if _, err := tx.ExecContext(ctx, insertVASQL, va.ID, va.Name); err != nil {
			return fmt.Errorf("insert voice actor %s: %w", va.ID, err)
		}
		if _, err := tx.ExecContext(ctx, insertVARelationSQL, va.ID, workID); err != nil {
			return fmt.Errorf("relate voice actor %s to work %d: %w", va.ID, workID, err)
		}
	}
	return nil
}

func dropIfOrphaned(ctx context.Context, tx *sql.Tx, countSQL, deleteSQL string, id interface{}) error {
	var remaining int
	if err := tx.QueryRowContext(ctx, countSQL, id).Scan(&remaining); err != nil {
		return fmt.Errorf("count references of %v: %w", id, err)
	}
	if remaining > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, deleteSQL, id); err != nil {
		return fmt.Errorf("drop orphan %v: %w", id, err)
	}
	return nil
}

func scanInts(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) ([]int, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func scanStrings(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func marshalOpaque(rec *model.WorkRecord) (detailJSON string, rankJSON string, memoJSON string, err error) {
	detail, err := json.Marshal(rec.RateCountDetail)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal rate detail: %w", err)
	}
	rank, err := json.Marshal(rec.Rank)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal rank: %w", err)
	}
	memo, err := model.MarshalMemo(rec.Memo)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal memo: %w", err)
	}
	return string(detail), string(rank), memo, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
