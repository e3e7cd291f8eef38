package scraper

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/xxxsen/otolib/internal/model"
)

var (
	// ErrNotFound means the source has no record for the requested work.
	ErrNotFound = errors.New("work not found at source")
	// ErrParse means the source responded but the payload could not be
	// turned into a work record.
	ErrParse = errors.New("malformed source payload")
)

// Source fetches the unified metadata record for one work id. tagLanguage
// selects the catalog locale for tag names ("ja-jp", "zh-tw", "zh-cn").
type Source interface {
	Name() string
	Fetch(ctx context.Context, id int, tagLanguage string) (*model.WorkRecord, error)
}

// vaNamespace seeds the deterministic voice-actor id derivation. Never change
// it: existing stores key t_va rows by the derived values.
var vaNamespace = uuid.MustParse("cf1f8a28-8a5e-4f7e-8e1a-7d2e6a9b0c43")

// NameToUUID derives the stable voice-actor id from the actor's name so that
// records from different catalog sources agree on the same id.
func NameToUUID(name string) string {
	return uuid.NewSHA1(vaNamespace, []byte(name)).String()
}
