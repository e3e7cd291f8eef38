package probe

import (
	"fmt"

	"go.senan.xyz/taglib"
)

// Prober reports the playback length of a media file in seconds. A failed
// probe returns an error and the owning scan records the duration as
// unknown, it never fails the work.
type Prober interface {
	Probe(path string) (float64, error)
}

type taglibProber struct{}

// NewTaglibProber reads durations through the embedded taglib runtime.
func NewTaglibProber() Prober {
	return taglibProber{}
}

func (taglibProber) Probe(path string) (float64, error) {
	props, err := taglib.ReadProperties(path)
	if err != nil {
		return 0, fmt.Errorf("read properties %s: %w", path, err)
	}
	if props.Length <= 0 {
		return 0, fmt.Errorf("no playback length in %s", path)
	}
	return props.Length.Seconds(), nil
}
