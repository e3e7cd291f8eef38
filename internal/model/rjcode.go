package model

import (
	"fmt"
	"regexp"
	"strconv"
)

var workIDPattern = regexp.MustCompile(`RJ(\d+)`)

// FormatRJCode renders a numeric work id as the zero-padded catalog code,
// without the RJ prefix. Ids below one million pad to 6 digits, the rest to 8.
func FormatRJCode(id int) string {
	if id >= 1000000 {
		return fmt.Sprintf("%08d", id)
	}
	return fmt.Sprintf("%06d", id)
}

// BucketRJCode returns the code of the 1000-bucket the id belongs to, used by
// the remote image path layout. Ids already on a bucket boundary map to
// themselves, everything else rounds up to the next multiple of 1000.
func BucketRJCode(id int) string {
	bucket := id
	if id%1000 != 0 {
		bucket = id/1000*1000 + 1000
	}
	return FormatRJCode(bucket)
}

// ExtractWorkID pulls the numeric work id out of a folder name. The second
// return is false when the name carries no RJ code.
func ExtractWorkID(name string) (int, bool) {
	m := workIDPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
