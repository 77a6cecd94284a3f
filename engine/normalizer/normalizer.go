package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// Canonical artifact names every task output directory converges to.
const (
	MarkdownName = "result.md"
	JSONName     = "result.json"
	ImagesDir    = "images"
)

// Uploader pushes a local file to an object store and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, localPath, objectName string) (string, error)
}

// Result reports what normalization produced.
type Result struct {
	MarkdownPath string
	JSONPath     string
	Images       []string
	Uploaded     bool
}

// Normalizer unifies engine output layouts: primary markdown and JSON at
// fixed names, images under images/, references rewritten. With an uploader
// attached it additionally publishes images and rewrites references to the
// returned URLs; upload failure is non-fatal.
type Normalizer struct {
	uploader Uploader
}

// New builds a Normalizer; uploader may be nil for local-only layouts.
func New(uploader Uploader) *Normalizer {
	return &Normalizer{uploader: uploader}
}

var (
	imageExts = map[string]struct{}{
		".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {}, ".webp": {},
	}
	// ![alt](path) where path ends in a known image name.
	mdImageRe = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)
	// src="path" inside an existing <img> tag.
	imgSrcRe = regexp.MustCompile(`(<img\b[^>]*?\bsrc=")([^"]+)(")`)
)

// Normalize canonicalizes dir. objectPrefix namespaces uploaded objects
// (typically the task id); skipUpload suppresses the upload step when image
// references were already rewritten to object-store URLs in an earlier run.
func (n *Normalizer) Normalize(ctx context.Context, dir, objectPrefix string, skipUpload bool) (*Result, error) {
	log := logger.FromContext(ctx)
	if err := canonicalizeArtifacts(dir); err != nil {
		return nil, err
	}
	images, err := collectImages(dir)
	if err != nil {
		return nil, err
	}

	res := &Result{Images: images}
	urls := make(map[string]string, len(images))
	for _, name := range images {
		urls[name] = ImagesDir + "/" + name
	}

	if n.uploader != nil && !skipUpload && len(images) > 0 {
		uploaded, err := n.uploadImages(ctx, dir, objectPrefix, images)
		if err != nil {
			log.Warn("image upload failed; keeping local references", "dir", dir, "error", err)
		} else {
			urls = uploaded
			res.Uploaded = true
		}
	}

	names := make(map[string]struct{}, len(images))
	for _, name := range images {
		names[name] = struct{}{}
	}
	mdPath := filepath.Join(dir, MarkdownName)
	if exists(mdPath) {
		if err := rewriteMarkdown(mdPath, names, urls); err != nil {
			return nil, err
		}
		res.MarkdownPath = mdPath
	}
	jsonPath := filepath.Join(dir, JSONName)
	if exists(jsonPath) {
		if err := rewriteJSON(jsonPath, names, urls); err != nil {
			return nil, err
		}
		res.JSONPath = jsonPath
	}
	return res, nil
}

func (n *Normalizer) uploadImages(ctx context.Context, dir, objectPrefix string, images []string) (map[string]string, error) {
	urls := make(map[string]string, len(images))
	for _, name := range images {
		objectName := name
		if objectPrefix != "" {
			objectName = objectPrefix + "/" + name
		}
		url, err := n.uploader.Upload(ctx, filepath.Join(dir, ImagesDir, name), objectName)
		if err != nil {
			return nil, fmt.Errorf("normalizer: upload %s: %w", name, err)
		}
		urls[name] = url
	}
	return urls, nil
}

// canonicalizeArtifacts moves the primary markdown, the structured JSON,
// and every image file up into the fixed layout. Engines often nest output
// under intermediate directories (one per processing stage).
func canonicalizeArtifacts(dir string) error {
	if err := promoteArtifact(dir, ".md", MarkdownName); err != nil {
		return err
	}
	if err := promoteArtifact(dir, ".json", JSONName); err != nil {
		return err
	}
	imagesDir := filepath.Join(dir, ImagesDir)
	var toMove []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == imagesDir {
				return fs.SkipDir
			}
			return nil
		}
		if _, ok := imageExts[strings.ToLower(filepath.Ext(path))]; ok {
			toMove = append(toMove, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("normalizer: scan images: %w", err)
	}
	if len(toMove) == 0 {
		return nil
	}
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return fmt.Errorf("normalizer: create images dir: %w", err)
	}
	for _, src := range toMove {
		dst := filepath.Join(imagesDir, uniqueName(imagesDir, filepath.Base(src)))
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("normalizer: relocate image %s: %w", src, err)
		}
	}
	return nil
}

// promoteArtifact moves the shallowest file with ext to dir/target. An
// existing file at the target wins.
func promoteArtifact(dir, ext, target string) error {
	targetPath := filepath.Join(dir, target)
	if exists(targetPath) {
		return nil
	}
	var best string
	bestDepth := -1
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !strings.EqualFold(filepath.Ext(path), ext) {
			return nil
		}
		depth := strings.Count(strings.TrimPrefix(path, dir), string(filepath.Separator))
		if bestDepth == -1 || depth < bestDepth {
			best, bestDepth = path, depth
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("normalizer: scan for %s: %w", ext, err)
	}
	if best == "" {
		return nil
	}
	if err := os.Rename(best, targetPath); err != nil {
		return fmt.Errorf("normalizer: promote %s: %w", best, err)
	}
	return nil
}

func uniqueName(dir, base string) string {
	if !exists(filepath.Join(dir, base)) {
		return base
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if !exists(filepath.Join(dir, candidate)) {
			return candidate
		}
	}
}

func collectImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, ImagesDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("normalizer: read images dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// rewriteMarkdown converts markdown image references to <img> tags and
// repoints existing <img> tags, resolving each known image to its URL.
// References already resolved are rewritten to the same value, which keeps
// the pass idempotent.
func rewriteMarkdown(path string, names map[string]struct{}, urls map[string]string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("normalizer: read markdown: %w", err)
	}
	content := string(raw)
	content = mdImageRe.ReplaceAllStringFunc(content, func(match string) string {
		groups := mdImageRe.FindStringSubmatch(match)
		alt, target := groups[1], groups[2]
		url, ok := resolve(target, names, urls)
		if !ok {
			return match
		}
		return fmt.Sprintf(`<img src="%s" alt="%s">`, url, alt)
	})
	content = imgSrcRe.ReplaceAllStringFunc(content, func(match string) string {
		groups := imgSrcRe.FindStringSubmatch(match)
		url, ok := resolve(groups[2], names, urls)
		if !ok {
			return match
		}
		return groups[1] + url + groups[3]
	})
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("normalizer: write markdown: %w", err)
	}
	return nil
}

// rewriteJSON replaces any string value referencing a known image with its
// resolved URL, recursing through objects and arrays.
func rewriteJSON(path string, names map[string]struct{}, urls map[string]string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("normalizer: read json: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("normalizer: decode json: %w", err)
	}
	doc = rewriteValue(doc, names, urls)
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("normalizer: encode json: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("normalizer: write json: %w", err)
	}
	return nil
}

func rewriteValue(v any, names map[string]struct{}, urls map[string]string) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = rewriteValue(item, names, urls)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = rewriteValue(item, names, urls)
		}
		return val
	case string:
		if url, ok := resolve(val, names, urls); ok {
			return url
		}
		return val
	default:
		return v
	}
}

// resolve maps an image reference to its URL when the reference points at a
// known image by base name through an images/ path segment or a previously
// uploaded URL.
func resolve(ref string, names map[string]struct{}, urls map[string]string) (string, bool) {
	if !strings.Contains(ref, ImagesDir+"/") {
		return "", false
	}
	base := filepath.Base(ref)
	if _, known := names[base]; !known {
		return "", false
	}
	url, ok := urls[base]
	return url, ok
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
