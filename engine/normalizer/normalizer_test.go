package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUploader records uploads and returns deterministic URLs.
type fakeUploader struct {
	uploads []string
	fail    bool
}

func (u *fakeUploader) Upload(_ context.Context, _, objectName string) (string, error) {
	if u.fail {
		return "", errors.New("bucket offline")
	}
	u.uploads = append(u.uploads, objectName)
	return "https://cdn.example.com/bucket/" + objectName, nil
}

// engineOutputDir simulates a typical engine layout: nested markdown and
// JSON plus images scattered next to them.
func engineOutputDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	nested := filepath.Join(dir, "auto")
	require.NoError(t, os.MkdirAll(filepath.Join(nested, "images"), 0o755))

	md := "# Doc\n\n![figure one](images/fig1.png)\n\ntext\n\n![](images/fig2.jpg)\n"
	require.NoError(t, os.WriteFile(filepath.Join(nested, "doc.md"), []byte(md), 0o644))

	pages := []map[string]any{
		{"type": "image", "img_path": "images/fig1.png", "page_idx": 0},
		{"type": "text", "text": "plain paragraph", "page_idx": 0},
	}
	raw, err := json.Marshal(pages)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(nested, "doc_content_list.json"), raw, 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(nested, "images", "fig1.png"), []byte("png1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "images", "fig2.jpg"), []byte("jpg2"), 0o644))
	return dir
}

func TestNormalizer_Local(t *testing.T) {
	t.Run("Should canonicalize layout and convert image references", func(t *testing.T) {
		ctx := context.Background()
		dir := engineOutputDir(t)
		n := New(nil)

		res, err := n.Normalize(ctx, dir, "task-1", false)
		require.NoError(t, err)
		assert.False(t, res.Uploaded)
		assert.ElementsMatch(t, []string{"fig1.png", "fig2.jpg"}, res.Images)

		assert.FileExists(t, filepath.Join(dir, MarkdownName))
		assert.FileExists(t, filepath.Join(dir, JSONName))
		assert.FileExists(t, filepath.Join(dir, ImagesDir, "fig1.png"))
		assert.FileExists(t, filepath.Join(dir, ImagesDir, "fig2.jpg"))

		md, err := os.ReadFile(filepath.Join(dir, MarkdownName))
		require.NoError(t, err)
		assert.Contains(t, string(md), `<img src="images/fig1.png" alt="figure one">`)
		assert.Contains(t, string(md), `<img src="images/fig2.jpg" alt="">`)
		assert.NotContains(t, string(md), "![")
	})

	t.Run("Should be idempotent on a second run", func(t *testing.T) {
		ctx := context.Background()
		dir := engineOutputDir(t)
		n := New(nil)

		_, err := n.Normalize(ctx, dir, "task-1", false)
		require.NoError(t, err)
		first, err := os.ReadFile(filepath.Join(dir, MarkdownName))
		require.NoError(t, err)

		_, err = n.Normalize(ctx, dir, "task-1", false)
		require.NoError(t, err)
		second, err := os.ReadFile(filepath.Join(dir, MarkdownName))
		require.NoError(t, err)
		assert.Equal(t, string(first), string(second))
	})

	t.Run("Should leave references to unknown files alone", func(t *testing.T) {
		ctx := context.Background()
		dir := t.TempDir()
		md := "![external](https://elsewhere.example.com/images/other.png)\n![link](docs/readme.md)\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, MarkdownName), []byte(md), 0o644))

		_, err := New(nil).Normalize(ctx, dir, "task-1", false)
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(dir, MarkdownName))
		require.NoError(t, err)
		assert.Equal(t, md, string(got))
	})

	t.Run("Should tolerate a directory with no artifacts", func(t *testing.T) {
		ctx := context.Background()
		res, err := New(nil).Normalize(ctx, t.TempDir(), "task-1", false)
		require.NoError(t, err)
		assert.Empty(t, res.MarkdownPath)
		assert.Empty(t, res.Images)
	})
}

func TestNormalizer_Upload(t *testing.T) {
	t.Run("Should rewrite markdown and JSON to uploaded URLs", func(t *testing.T) {
		ctx := context.Background()
		dir := engineOutputDir(t)
		up := &fakeUploader{}
		n := New(up)

		res, err := n.Normalize(ctx, dir, "task-1", false)
		require.NoError(t, err)
		assert.True(t, res.Uploaded)
		assert.ElementsMatch(t, []string{"task-1/fig1.png", "task-1/fig2.jpg"}, up.uploads)

		md, err := os.ReadFile(filepath.Join(dir, MarkdownName))
		require.NoError(t, err)
		assert.Contains(t, string(md),
			`<img src="https://cdn.example.com/bucket/task-1/fig1.png" alt="figure one">`)

		raw, err := os.ReadFile(filepath.Join(dir, JSONName))
		require.NoError(t, err)
		var pages []map[string]any
		require.NoError(t, json.Unmarshal(raw, &pages))
		assert.Equal(t, "https://cdn.example.com/bucket/task-1/fig1.png", pages[0]["img_path"])
		assert.Equal(t, "plain paragraph", pages[1]["text"])
	})

	t.Run("Should keep local references when the upload fails", func(t *testing.T) {
		ctx := context.Background()
		dir := engineOutputDir(t)
		n := New(&fakeUploader{fail: true})

		res, err := n.Normalize(ctx, dir, "task-1", false)
		require.NoError(t, err)
		assert.False(t, res.Uploaded)

		md, err := os.ReadFile(filepath.Join(dir, MarkdownName))
		require.NoError(t, err)
		assert.Contains(t, string(md), `<img src="images/fig1.png" alt="figure one">`)
	})

	t.Run("Should skip the upload when asked", func(t *testing.T) {
		ctx := context.Background()
		dir := engineOutputDir(t)
		up := &fakeUploader{}

		res, err := New(up).Normalize(ctx, dir, "task-1", true)
		require.NoError(t, err)
		assert.False(t, res.Uploaded)
		assert.Empty(t, up.uploads)
	})
}

func TestUniqueName(t *testing.T) {
	t.Run("Should suffix colliding image names", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "fig.png"), []byte("a"), 0o644))
		assert.Equal(t, "fig_1.png", uniqueName(dir, "fig.png"))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "fig_1.png"), []byte("b"), 0o644))
		assert.Equal(t, "fig_2.png", uniqueName(dir, "fig.png"))
	})
}

func TestContentTypeForImage(t *testing.T) {
	t.Run("Should map extensions to media types", func(t *testing.T) {
		for name, want := range map[string]string{
			"a.png": "image/png", "b.JPG": "image/jpeg", "c.webp": "image/webp", "d.bin": "application/octet-stream",
		} {
			assert.Equal(t, want, contentTypeForImage(name), fmt.Sprintf("name=%s", name))
		}
	})
}
