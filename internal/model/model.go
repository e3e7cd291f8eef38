package model

import "encoding/json"

// Circle is the publishing group a work belongs to. Shared across works and
// garbage collected once no work references it.
type Circle struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Tag is a catalog genre tag, many-to-many with works.
type Tag struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// VA is a voice actor. The ID is a UUID derived deterministically from the
// name so that records from different catalog sources line up.
type VA struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RankEntry is one ranking-period record as reported by the catalog.
type RankEntry struct {
	Term     string `json:"term"`
	Category string `json:"category"`
	Rank     int    `json:"rank"`
	RankDate string `json:"rank_date"`
}

// RateDetail is one bucket of the star-rating histogram.
type RateDetail struct {
	ReviewPoint int `json:"review_point"`
	Count       int `json:"count"`
	Ratio       int `json:"ratio"`
}

// MemoEntry caches per-file probe results, keyed by the file path relative to
// the work directory. MTime is the file modification time in unix
// milliseconds; Duration is the probed playback length in seconds, 0 when the
// probe failed and the length is unknown.
type MemoEntry struct {
	MTime    int64   `json:"mtime"`
	Duration float64 `json:"duration,omitempty"`
}

// Memo maps relative file paths to their cached probe results.
type Memo map[string]MemoEntry

// MarshalMemo serialises a memo for storage in the opaque memo column.
func MarshalMemo(m Memo) (string, error) {
	if m == nil {
		m = Memo{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalMemo decodes a stored memo column. An empty column yields an empty
// memo rather than an error so that rows written before the memo feature
// still load.
func UnmarshalMemo(data string) (Memo, error) {
	if data == "" {
		return Memo{}, nil
	}
	var m Memo
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// WorkRecord is the unified metadata record for one audio work, either
// scraped from a catalog source or loaded from the store. Directory and
// local-file fields (RootFolder, Dir, AddTime, Duration, Memo, HasLyric) are
// filled by the scan pipeline before persisting.
type WorkRecord struct {
	ID              int          `json:"id"`
	Title           string       `json:"title"`
	Circle          Circle       `json:"circle"`
	NSFW            bool         `json:"nsfw"`
	Release         string       `json:"release"`
	DLCount         int          `json:"dl_count"`
	Price           int          `json:"price"`
	ReviewCount     int          `json:"review_count"`
	RateCount       int          `json:"rate_count"`
	RateAverage2DP  float64      `json:"rate_average_2dp"`
	RateCountDetail []RateDetail `json:"rate_count_detail"`
	Rank            []RankEntry  `json:"rank"`
	Tags            []Tag        `json:"tags"`
	VAs             []VA         `json:"vas"`

	RootFolder string  `json:"root_folder,omitempty"`
	Dir        string  `json:"dir,omitempty"`
	AddTime    string  `json:"add_time,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	Memo       Memo    `json:"memo,omitempty"`
	HasLyric   bool    `json:"has_lyric,omitempty"`
}

// FolderDescriptor describes one candidate work directory discovered during a
// walk. It only lives for the duration of a single run.
type FolderDescriptor struct {
	ID             int
	AbsolutePath   string
	RelativePath   string
	RootFolderName string
	AddTime        string
}
