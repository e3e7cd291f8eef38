package cover

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/otolib/internal/httpx"
)

type fakeOffload struct {
	mu       sync.Mutex
	uploaded []string
	deleted  []string
}

func (f *fakeOffload) UploadFile(ctx context.Context, key, filePath string, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, key)
	return nil
}

func (f *fakeOffload) DeleteObjects(ctx context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, keys...)
	return nil
}

func TestVariantURL(t *testing.T) {
	t.Parallel()

	f := NewFetcher(httpx.New(), t.TempDir(), []string{"main", "sam", "240x240"}, nil)

	assert.Equal(t,
		"https://img.dlsite.jp/modpub/images2/work/doujin/RJ124000/RJ123456_img_main.jpg",
		f.VariantURL(123456, "main"))
	assert.Equal(t,
		"https://img.dlsite.jp/modpub/images2/work/doujin/RJ123000/RJ123000_img_sam.jpg",
		f.VariantURL(123000, "sam"))
	assert.Equal(t,
		"https://img.dlsite.jp/resize/images2/work/doujin/RJ124000/RJ123456_img_main_240x240.jpg",
		f.VariantURL(123456, "240x240"))
	assert.Equal(t,
		"https://img.dlsite.jp/modpub/images2/work/doujin/RJ01002000/RJ01001234_img_main.jpg",
		f.VariantURL(1001234, "main"))
}

func TestFetchDownloadsAllVariants(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "jpegbytes")
	}))
	defer srv.Close()

	dir := t.TempDir()
	offload := &fakeOffload{}
	f := NewFetcher(httpx.New(httpx.WithRetryMax(0)), dir, []string{"main", "sam"}, offload)
	f.modpubURL = srv.URL + "/modpub/RJ%s/RJ%s_img_%s.jpg"
	f.resizeURL = srv.URL + "/resize/RJ%s/RJ%s_img_main_%s.jpg"

	require.NoError(t, f.Fetch(context.Background(), 123456))

	for _, variant := range []string{"main", "sam"} {
		data, err := os.ReadFile(f.CoverPath(123456, variant))
		require.NoError(t, err)
		assert.Equal(t, "jpegbytes", string(data))
	}
	assert.ElementsMatch(t, []string{"covers/RJ123456_img_main.jpg", "covers/RJ123456_img_sam.jpg"}, offload.uploaded)
}

func TestFetchFailsWhenAnyVariantFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/modpub/RJ124000/RJ123456_img_sam.jpg" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "jpegbytes")
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(httpx.New(httpx.WithRetryMax(0)), dir, []string{"main", "sam"}, nil)
	f.modpubURL = srv.URL + "/modpub/RJ%s/RJ%s_img_%s.jpg"

	err := f.Fetch(context.Background(), 123456)
	require.Error(t, err)

	// the variant that did land stays for the next attempt
	_, statErr := os.Stat(f.CoverPath(123456, "main"))
	assert.NoError(t, statErr)
}

func TestFetchMissingSkipsExistingVariants(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requested = append(requested, r.URL.Path)
		mu.Unlock()
		fmt.Fprint(w, "jpegbytes")
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(httpx.New(httpx.WithRetryMax(0)), dir, []string{"main", "sam"}, nil)
	f.modpubURL = srv.URL + "/modpub/RJ%s/RJ%s_img_%s.jpg"

	require.NoError(t, os.WriteFile(f.CoverPath(123456, "main"), []byte("old"), 0o644))

	missing, err := f.MissingVariants(123456)
	require.NoError(t, err)
	assert.Equal(t, []string{"sam"}, missing)

	require.NoError(t, f.FetchMissing(context.Background(), 123456))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requested, 1)
	assert.Equal(t, "/modpub/RJ124000/RJ123456_img_sam.jpg", requested[0])
}

func TestRemoveDeletesLocalAndOffloaded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	offload := &fakeOffload{}
	f := NewFetcher(httpx.New(), dir, []string{"main", "sam"}, offload)

	require.NoError(t, os.WriteFile(f.CoverPath(123456, "main"), []byte("x"), 0o644))

	require.NoError(t, f.Remove(context.Background(), 123456))

	_, err := os.Stat(f.CoverPath(123456, "main"))
	assert.True(t, os.IsNotExist(err))
	assert.ElementsMatch(t, []string{"covers/RJ123456_img_main.jpg", "covers/RJ123456_img_sam.jpg"}, offload.deleted)
}
