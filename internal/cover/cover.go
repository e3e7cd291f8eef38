package cover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/otolib/internal/httpx"
	"github.com/xxxsen/otolib/internal/model"
	"github.com/xxxsen/otolib/internal/storage"
)

const (
	defaultModpubURL = "https://img.dlsite.jp/modpub/images2/work/doujin/RJ%s/RJ%s_img_%s.jpg"
	defaultResizeURL = "https://img.dlsite.jp/resize/images2/work/doujin/RJ%s/RJ%s_img_main_%s.jpg"
)

// resized variants name a pixel box, e.g. 240x240. They are served from the
// resize endpoint and derived from the main image.
var resizedVariant = regexp.MustCompile(`^\d+x\d+$`)

// Fetcher downloads cover images for works into a flat local directory and
// optionally mirrors them to an object store.
type Fetcher struct {
	client   *httpx.Client
	coverDir string
	variants []string
	offload  storage.Client

	modpubURL string
	resizeURL string
}

// NewFetcher builds a cover fetcher. offload may be nil when covers stay
// local only.
func NewFetcher(client *httpx.Client, coverDir string, variants []string, offload storage.Client) *Fetcher {
	return &Fetcher{
		client:    client,
		coverDir:  coverDir,
		variants:  variants,
		offload:   offload,
		modpubURL: defaultModpubURL,
		resizeURL: defaultResizeURL,
	}
}

// VariantURL builds the remote image url for one cover variant of a work.
func (f *Fetcher) VariantURL(id int, variant string) string {
	bucket := model.BucketRJCode(id)
	code := model.FormatRJCode(id)
	if resizedVariant.MatchString(variant) {
		return fmt.Sprintf(f.resizeURL, bucket, code, variant)
	}
	return fmt.Sprintf(f.modpubURL, bucket, code, variant)
}

// CoverPath is the local file the variant is stored at.
func (f *Fetcher) CoverPath(id int, variant string) string {
	return filepath.Join(f.coverDir, coverKey(id, variant))
}

func coverKey(id int, variant string) string {
	return fmt.Sprintf("RJ%s_img_%s.jpg", model.FormatRJCode(id), variant)
}

// objectKey is the mirrored location in the object store.
func objectKey(id int, variant string) string {
	return "covers/" + coverKey(id, variant)
}

// Fetch downloads every configured variant of the work cover concurrently.
// If any variant fails the whole fetch reports failure, though variants that
// did land stay on disk for the next attempt to skip.
func (f *Fetcher) Fetch(ctx context.Context, id int) error {
	var wg sync.WaitGroup
	errs := make([]error, len(f.variants))
	for i, variant := range f.variants {
		wg.Add(1)
		go func(i int, variant string) {
			defer wg.Done()
			errs[i] = f.fetchVariant(ctx, id, variant)
		}(i, variant)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("fetch covers for work %d: %w", id, err)
	}
	return nil
}

// FetchMissing downloads only the variants without a local file yet. It is a
// no-op for fully covered works.
func (f *Fetcher) FetchMissing(ctx context.Context, id int) error {
	missing, err := f.MissingVariants(id)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(missing))
	for i, variant := range missing {
		wg.Add(1)
		go func(i int, variant string) {
			defer wg.Done()
			errs[i] = f.fetchVariant(ctx, id, variant)
		}(i, variant)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("fetch missing covers for work %d: %w", id, err)
	}
	return nil
}

// MissingVariants lists the configured variants that have no local file.
func (f *Fetcher) MissingVariants(id int) ([]string, error) {
	var missing []string
	for _, variant := range f.variants {
		_, err := os.Stat(f.CoverPath(id, variant))
		if err == nil {
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat cover %s: %w", f.CoverPath(id, variant), err)
		}
		missing = append(missing, variant)
	}
	return missing, nil
}

func (f *Fetcher) fetchVariant(ctx context.Context, id int, variant string) error {
	url := f.VariantURL(id, variant)
	resp, err := f.client.Get(ctx, url)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return &httpx.StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	dest := f.CoverPath(id, variant)
	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create cover file %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("write cover file %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close cover file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize cover file %s: %w", dest, err)
	}

	if f.offload != nil {
		if err := f.offload.UploadFile(ctx, objectKey(id, variant), dest, "image/jpeg"); err != nil {
			return fmt.Errorf("offload cover %s: %w", objectKey(id, variant), err)
		}
	}
	return nil
}

// Remove deletes every local variant of the work cover and, when offloading
// is on, the mirrored objects. Missing local files are fine.
func (f *Fetcher) Remove(ctx context.Context, id int) error {
	logger := logutil.GetLogger(ctx)
	keys := make([]string, 0, len(f.variants))
	for _, variant := range f.variants {
		keys = append(keys, objectKey(id, variant))
		path := f.CoverPath(id, variant)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove cover %s: %w", path, err)
		}
	}

	if f.offload != nil {
		if err := f.offload.DeleteObjects(ctx, keys); err != nil {
			logger.Warn("delete offloaded covers failed", zap.Int("work_id", id), zap.Error(err))
		}
	}
	return nil
}
