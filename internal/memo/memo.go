package memo

import (
	"context"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/text/width"

	"github.com/xxxsen/otolib/internal/model"
	"github.com/xxxsen/otolib/internal/probe"
)

var mediaExts = map[string]struct{}{
	".mp3": {}, ".ogg": {}, ".opus": {}, ".wav": {}, ".aac": {},
	".flac": {}, ".m4a": {}, ".mka": {},
	".mp4": {}, ".mkv": {}, ".webm": {},
}

var subtitleExts = map[string]struct{}{
	".lrc": {}, ".srt": {}, ".ass": {}, ".vtt": {},
}

// Result is the outcome of scanning one work directory.
type Result struct {
	Memo model.Memo
	// TotalDuration is the work playback length in whole seconds, after
	// deduplicating tracks by normalized title and dropping excluded
	// variants.
	TotalDuration float64
	HasLyric      bool
}

// Scanner refreshes the per-file memo of a work directory, probing only
// files whose modification time moved since the stored entry.
type Scanner struct {
	prober  probe.Prober
	exclude *regexp.Regexp
}

// NewScanner builds a scanner. excludePattern may be empty; when set, media
// files whose relative path matches it keep their memo entry but contribute
// nothing to the total duration.
func NewScanner(prober probe.Prober, excludePattern string) (*Scanner, error) {
	s := &Scanner{prober: prober}
	if excludePattern != "" {
		re, err := regexp.Compile(excludePattern)
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern: %w", err)
		}
		s.exclude = re
	}
	return s, nil
}

type trackInfo struct {
	relPath  string
	title    string
	duration float64
}

// Scan walks the work directory and returns a refreshed memo. Probe
// failures leave the duration unknown for that file and the scan goes on.
func (s *Scanner) Scan(ctx context.Context, dir string, old model.Memo) (*Result, error) {
	logger := logutil.GetLogger(ctx)
	result := &Result{Memo: model.Memo{}}
	var tracks []trackInfo

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := subtitleExts[ext]; ok {
			result.HasLyric = true
			return nil
		}
		if _, ok := mediaExts[ext]; !ok {
			return nil
		}

		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		info, err := d.Info()
		if err != nil {
			return err
		}
		mtime := info.ModTime().UnixMilli()

		entry, reused := reuseEntry(old, relPath, mtime)
		if !reused {
			entry = model.MemoEntry{MTime: mtime}
			duration, probeErr := s.prober.Probe(path)
			if probeErr != nil {
				logger.Warn("duration probe failed",
					zap.String("file", relPath), zap.Error(probeErr))
			} else {
				entry.Duration = duration
			}
		}
		result.Memo[relPath] = entry

		title := strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath))
		tracks = append(tracks, trackInfo{
			relPath:  relPath,
			title:    NormalizeTitle(title),
			duration: entry.Duration,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan work dir %s: %w", dir, err)
	}

	result.TotalDuration = s.totalDuration(tracks)
	return result, nil
}

func reuseEntry(old model.Memo, relPath string, mtime int64) (model.MemoEntry, bool) {
	if old == nil {
		return model.MemoEntry{}, false
	}
	entry, ok := old[relPath]
	if !ok || entry.MTime != mtime || entry.Duration <= 0 {
		return model.MemoEntry{}, false
	}
	return entry, true
}

// totalDuration sums track durations, counting each normalized title once
// so the same track stored in two formats is not double counted, and
// skipping excluded variants entirely.
func (s *Scanner) totalDuration(tracks []trackInfo) float64 {
	var total float64
	seen := make(map[string]struct{}, len(tracks))
	for _, track := range tracks {
		if s.exclude != nil && s.exclude.MatchString(track.relPath) {
			continue
		}
		if _, ok := seen[track.title]; ok {
			continue
		}
		seen[track.title] = struct{}{}
		total += track.duration
	}
	return math.Round(total)
}

// NormalizeTitle folds a track title for duplicate detection: full/half
// width forms collapse, case is ignored and punctuation and spacing drop
// out.
func NormalizeTitle(title string) string {
	folded := width.Fold.String(title)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
