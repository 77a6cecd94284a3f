package engines

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptEngine builds a CommandEngine backed by a tiny shell script so the
// exec path runs for real without any external tool installed.
func scriptEngine(t *testing.T, name string, exts []string, script string) *CommandEngine {
	t.Helper()
	bin := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return NewCommandEngine(name, bin, exts, func(in Input) []string {
		return []string{in.FilePath, in.OutputDir}
	})
}

func TestRegistry_Resolve(t *testing.T) {
	t.Run("Should resolve an explicit backend by name", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewTextEngine(), "")
		e, err := r.Resolve("text", "whatever.bin")
		require.NoError(t, err)
		assert.Equal(t, "text", e.Name())
	})

	t.Run("Should return ErrUnknownBackend for an unregistered name", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Resolve("nope", "a.pdf")
		assert.ErrorIs(t, err, ErrUnknownBackend)
	})

	t.Run("Should return ErrEngineUnavailable when the tool is missing", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewCommandEngine("ghost", "definitely-not-on-path-xyz", []string{".pdf"},
			func(in Input) []string { return nil }), "")
		_, err := r.Resolve("ghost", "a.pdf")
		assert.ErrorIs(t, err, ErrEngineUnavailable)
	})

	t.Run("Should dispatch auto by registration order", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewFastaEngine(), "")
		r.Register(NewTextEngine(), "")

		e, err := r.Resolve(BackendAuto, "genome.fasta")
		require.NoError(t, err)
		assert.Equal(t, "fasta", e.Name())

		e, err = r.Resolve("", "notes.txt")
		require.NoError(t, err)
		assert.Equal(t, "text", e.Name())
	})

	t.Run("Should skip unavailable engines during auto dispatch", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewCommandEngine("ghost", "definitely-not-on-path-xyz", []string{".txt"},
			func(in Input) []string { return nil }), "")
		r.Register(NewTextEngine(), "")
		e, err := r.Resolve(BackendAuto, "notes.txt")
		require.NoError(t, err)
		assert.Equal(t, "text", e.Name())
	})

	t.Run("Should return ErrUnsupportedFile when nothing matches", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewFastaEngine(), "")
		_, err := r.Resolve(BackendAuto, "archive.zip")
		assert.ErrorIs(t, err, ErrUnsupportedFile)
	})
}

func TestRegistry_Catalog(t *testing.T) {
	t.Run("Should list engines sorted with availability", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewTextEngine(), "native text")
		r.Register(NewCommandEngine("ghost", "definitely-not-on-path-xyz", []string{".pdf"},
			func(in Input) []string { return nil }), "missing tool")

		catalog := r.Catalog()
		require.Len(t, catalog, 2)
		assert.Equal(t, "ghost", catalog[0].Name)
		assert.False(t, catalog[0].Available)
		assert.Equal(t, "text", catalog[1].Name)
		assert.True(t, catalog[1].Available)
	})
}

func TestRegistry_Supported(t *testing.T) {
	t.Run("Should accept files any engine handles regardless of availability", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewCommandEngine("ghost", "definitely-not-on-path-xyz", []string{".pdf"},
			func(in Input) []string { return nil }), "")
		assert.True(t, r.Supported("a.pdf"))
		assert.False(t, r.Supported("a.zip"))
	})
}

func TestDefaultRegistry(t *testing.T) {
	t.Run("Should accept office documents through the markitdown fallback", func(t *testing.T) {
		r := DefaultRegistry()
		for _, name := range []string{"report.docx", "deck.pptx", "sheet.xlsx", "page.html", "book.epub"} {
			assert.True(t, r.Supported(name), name)
		}
		e, err := r.Get("office")
		require.NoError(t, err)
		assert.True(t, e.Supports("report.docx"))
	})

	t.Run("Should point markitdown at a result file inside the output dir", func(t *testing.T) {
		e := NewMarkitdownEngine()
		args := e.args(Input{FilePath: "/in/report.docx", OutputDir: "/out"})
		assert.Equal(t, []string{"/in/report.docx", "-o", filepath.Join("/out", "result.md")}, args)
	})
}

func TestCommandEngine(t *testing.T) {
	t.Run("Should run the tool and locate its artifacts", func(t *testing.T) {
		ctx := context.Background()
		e := scriptEngine(t, "fake-parser", []string{".pdf"},
			`mkdir -p "$2/nested" && printf '# parsed' > "$2/nested/out.md" && printf '[]' > "$2/nested/out.json"`)
		assert.True(t, e.Available())

		input := filepath.Join(t.TempDir(), "doc.pdf")
		require.NoError(t, os.WriteFile(input, []byte("%PDF-1.4"), 0o644))
		out := filepath.Join(t.TempDir(), "out")

		res, err := e.Parse(ctx, Input{FilePath: input, FileName: "doc.pdf", OutputDir: out})
		require.NoError(t, err)
		assert.Equal(t, out, res.OutputDir)
		assert.FileExists(t, res.Markdown)
		assert.FileExists(t, res.JSON)
	})

	t.Run("Should surface the tool output tail on failure", func(t *testing.T) {
		ctx := context.Background()
		e := scriptEngine(t, "broken-parser", []string{".pdf"},
			`echo "model weights not found" >&2; exit 3`)
		input := filepath.Join(t.TempDir(), "doc.pdf")
		require.NoError(t, os.WriteFile(input, []byte("%PDF-1.4"), 0o644))

		_, err := e.Parse(ctx, Input{FilePath: input, FileName: "doc.pdf", OutputDir: t.TempDir()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model weights not found")
	})

	t.Run("Should fail when the tool produced no markdown", func(t *testing.T) {
		ctx := context.Background()
		e := scriptEngine(t, "silent-parser", []string{".pdf"}, `true`)
		input := filepath.Join(t.TempDir(), "doc.pdf")
		require.NoError(t, os.WriteFile(input, []byte("%PDF-1.4"), 0o644))

		_, err := e.Parse(ctx, Input{FilePath: input, FileName: "doc.pdf", OutputDir: t.TempDir()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no markdown produced")
	})

	t.Run("Should prefer the shallowest markdown artifact", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "deep", "deeper"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "deep", "deeper", "b.md"), []byte("b"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "deep", "a.md"), []byte("a"), 0o644))
		assert.Equal(t, filepath.Join(dir, "deep", "a.md"), findArtifact(dir, ".md"))
	})
}
