package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jung-kurt/gofpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tianshu-ai/tianshu/engine/engines"
	"github.com/tianshu-ai/tianshu/engine/infra/sqlite"
	"github.com/tianshu-ai/tianshu/engine/normalizer"
	"github.com/tianshu-ai/tianshu/engine/task"
)

// stubEngine is a programmable in-process engine for worker tests.
type stubEngine struct {
	name  string
	exts  map[string]struct{}
	parse func(ctx context.Context, in engines.Input) (*engines.Result, error)
}

func (e *stubEngine) Name() string { return e.name }

func (e *stubEngine) Supports(fileName string) bool {
	_, ok := e.exts[strings.ToLower(filepath.Ext(fileName))]
	return ok
}

func (e *stubEngine) Parse(ctx context.Context, in engines.Input) (*engines.Result, error) {
	return e.parse(ctx, in)
}

// shardEngine writes one markdown line and one page entry per shard so the
// merge output is fully predictable.
func shardEngine() *stubEngine {
	return &stubEngine{
		name: "pipeline",
		exts: map[string]struct{}{".pdf": {}},
		parse: func(_ context.Context, in engines.Input) (*engines.Result, error) {
			if err := os.MkdirAll(in.OutputDir, 0o755); err != nil {
				return nil, err
			}
			md := fmt.Sprintf("content of %s", in.FileName)
			if err := os.WriteFile(filepath.Join(in.OutputDir, normalizer.MarkdownName), []byte(md), 0o644); err != nil {
				return nil, err
			}
			pages := []map[string]any{{"type": "text", "text": md, "page_idx": 0}}
			raw, err := json.Marshal(pages)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(in.OutputDir, normalizer.JSONName), raw, 0o644); err != nil {
				return nil, err
			}
			return &engines.Result{OutputDir: in.OutputDir}, nil
		},
	}
}

func newTestService(ctx context.Context, t *testing.T) *task.Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tianshu.db")
	s, err := sqlite.NewStore(ctx, path, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(ctx) })
	require.NoError(t, sqlite.ApplyMigrations(ctx, s.DB()))
	return task.NewService(sqlite.NewTaskRepo(s.DB()), nil)
}

func newTestWorker(ctx context.Context, t *testing.T, svc *task.Service, r *engines.Registry, cfg Config) *Worker {
	t.Helper()
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	if cfg.SplitsDir == "" {
		cfg.SplitsDir = t.TempDir()
	}
	return New(cfg, svc, r, normalizer.New(nil))
}

func makePDF(t *testing.T, path string, pages int) {
	t.Helper()
	doc := gofpdf.New("P", "mm", "A4", "")
	doc.SetFont("Helvetica", "", 12)
	for i := 1; i <= pages; i++ {
		doc.AddPage()
		doc.Cell(40, 10, fmt.Sprintf("Page %d", i))
	}
	require.NoError(t, doc.OutputFileAndClose(path))
}

func TestWorkerID(t *testing.T) {
	t.Run("Should embed host, device, and pid", func(t *testing.T) {
		id := ID("cuda:0")
		assert.True(t, strings.HasPrefix(id, "tianshu-"))
		assert.Contains(t, id, "cuda:0")
		assert.True(t, strings.HasSuffix(id, fmt.Sprintf("-%d", os.Getpid())))
	})
}

func TestWorker_ProcessOne(t *testing.T) {
	t.Run("Should complete a text task end to end", func(t *testing.T) {
		ctx := context.Background()
		svc := newTestService(ctx, t)
		r := engines.NewRegistry()
		r.Register(engines.NewTextEngine(), "")
		w := newTestWorker(ctx, t, svc, r, Config{})

		input := filepath.Join(t.TempDir(), "notes.txt")
		require.NoError(t, os.WriteFile(input, []byte("hello from tianshu"), 0o644))
		submitted, err := svc.Submit(ctx, &task.CreateInput{
			FileName: "notes.txt", FilePath: input, Backend: "text",
		})
		require.NoError(t, err)

		processed, err := w.ProcessOne(ctx)
		require.NoError(t, err)
		assert.True(t, processed)

		got, err := svc.Get(ctx, submitted.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, got.Status)
		require.NotEmpty(t, got.ResultPath)
		md, err := os.ReadFile(filepath.Join(got.ResultPath, normalizer.MarkdownName))
		require.NoError(t, err)
		assert.Equal(t, "hello from tianshu", string(md))
	})

	t.Run("Should report no work on an empty store", func(t *testing.T) {
		ctx := context.Background()
		svc := newTestService(ctx, t)
		w := newTestWorker(ctx, t, svc, engines.NewRegistry(), Config{})
		processed, err := w.ProcessOne(ctx)
		require.NoError(t, err)
		assert.False(t, processed)
	})

	t.Run("Should fail the task when the engine errors", func(t *testing.T) {
		ctx := context.Background()
		svc := newTestService(ctx, t)
		r := engines.NewRegistry()
		r.Register(&stubEngine{
			name: "broken",
			exts: map[string]struct{}{".txt": {}},
			parse: func(context.Context, engines.Input) (*engines.Result, error) {
				return nil, errors.New("gpu out of memory")
			},
		}, "")
		w := newTestWorker(ctx, t, svc, r, Config{})

		input := filepath.Join(t.TempDir(), "notes.txt")
		require.NoError(t, os.WriteFile(input, []byte("x"), 0o644))
		submitted, err := svc.Submit(ctx, &task.CreateInput{
			FileName: "notes.txt", FilePath: input, Backend: "broken",
		})
		require.NoError(t, err)

		_, err = w.ProcessOne(ctx)
		require.NoError(t, err)
		got, err := svc.Get(ctx, submitted.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status)
		assert.Contains(t, got.ErrorMessage, "gpu out of memory")
	})

	t.Run("Should route an office document to the office fallback under auto", func(t *testing.T) {
		ctx := context.Background()
		svc := newTestService(ctx, t)
		r := engines.NewRegistry()
		r.Register(&stubEngine{
			name: "office",
			exts: map[string]struct{}{".docx": {}},
			parse: func(_ context.Context, in engines.Input) (*engines.Result, error) {
				if err := os.MkdirAll(in.OutputDir, 0o755); err != nil {
					return nil, err
				}
				if err := os.WriteFile(filepath.Join(in.OutputDir, normalizer.MarkdownName), []byte("# report"), 0o644); err != nil {
					return nil, err
				}
				if err := os.WriteFile(filepath.Join(in.OutputDir, normalizer.JSONName), []byte("[]"), 0o644); err != nil {
					return nil, err
				}
				return &engines.Result{OutputDir: in.OutputDir}, nil
			},
		}, "")
		w := newTestWorker(ctx, t, svc, r, Config{})

		input := filepath.Join(t.TempDir(), "report.docx")
		require.NoError(t, os.WriteFile(input, []byte("PK\x03\x04"), 0o644))
		submitted, err := svc.Submit(ctx, &task.CreateInput{
			FileName: "report.docx", FilePath: input, Backend: "auto",
		})
		require.NoError(t, err)

		processed, err := w.ProcessOne(ctx)
		require.NoError(t, err)
		assert.True(t, processed)

		got, err := svc.Get(ctx, submitted.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, got.Status)
		md, err := os.ReadFile(filepath.Join(got.ResultPath, normalizer.MarkdownName))
		require.NoError(t, err)
		assert.Equal(t, "# report", string(md))
	})

	t.Run("Should fail the task for an unknown backend", func(t *testing.T) {
		ctx := context.Background()
		svc := newTestService(ctx, t)
		w := newTestWorker(ctx, t, svc, engines.NewRegistry(), Config{})

		input := filepath.Join(t.TempDir(), "notes.txt")
		require.NoError(t, os.WriteFile(input, []byte("x"), 0o644))
		submitted, err := svc.Submit(ctx, &task.CreateInput{
			FileName: "notes.txt", FilePath: input, Backend: "nope",
		})
		require.NoError(t, err)

		_, err = w.ProcessOne(ctx)
		require.NoError(t, err)
		got, err := svc.Get(ctx, submitted.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status)
		assert.Contains(t, got.ErrorMessage, "unknown backend")
	})
}

func TestPreprocess(t *testing.T) {
	t.Run("Should leave an office document untouched without force_mineru", func(t *testing.T) {
		ctx := context.Background()
		w := newTestWorker(ctx, t, newTestService(ctx, t), engines.NewRegistry(), Config{})

		input := filepath.Join(t.TempDir(), "report.docx")
		require.NoError(t, os.WriteFile(input, []byte("PK\x03\x04"), 0o644))
		workFile, cleanup, err := w.preprocess(ctx, &task.Task{
			FileName: "report.docx", FilePath: input,
		})
		require.NoError(t, err)
		defer cleanup()
		assert.Equal(t, input, workFile)
	})
}

func TestWorker_SplitAndMerge(t *testing.T) {
	t.Run("Should shard an oversized PDF and merge shard results", func(t *testing.T) {
		ctx := context.Background()
		svc := newTestService(ctx, t)
		r := engines.NewRegistry()
		r.Register(shardEngine(), "")
		splitsDir := t.TempDir()
		w := newTestWorker(ctx, t, svc, r, Config{
			SplitsDir:      splitsDir,
			SplitEnabled:   true,
			SplitThreshold: 4,
			SplitChunkSize: 4,
		})

		input := filepath.Join(t.TempDir(), "big.pdf")
		makePDF(t, input, 10)
		parent, err := svc.Submit(ctx, &task.CreateInput{
			FileName: "big.pdf", FilePath: input, Backend: "pipeline", Priority: 5, UserID: "u-1",
		})
		require.NoError(t, err)

		// First cycle claims the parent and fans out.
		processed, err := w.ProcessOne(ctx)
		require.NoError(t, err)
		assert.True(t, processed)

		mid, err := svc.Get(ctx, parent.ID)
		require.NoError(t, err)
		assert.True(t, mid.IsParent)
		assert.Equal(t, task.StatusProcessing, mid.Status)
		assert.Equal(t, 3, mid.ChildCount)

		children, err := svc.GetChildren(ctx, parent.ID)
		require.NoError(t, err)
		require.Len(t, children, 3)
		for _, c := range children {
			assert.Equal(t, "pipeline", c.Backend)
			assert.Equal(t, 5, c.Priority)
			assert.Equal(t, "u-1", c.UserID)
			ci, ok := c.ChunkInfo()
			require.True(t, ok)
			assert.FileExists(t, c.FilePath)
			assert.Positive(t, ci.PageCount)
		}

		// Three more cycles process the shards; the last one merges.
		for i := 0; i < 3; i++ {
			processed, err := w.ProcessOne(ctx)
			require.NoError(t, err)
			assert.True(t, processed, "cycle %d", i)
		}

		final, err := svc.Get(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, final.Status)
		require.NotEmpty(t, final.ResultPath)

		md, err := os.ReadFile(filepath.Join(final.ResultPath, normalizer.MarkdownName))
		require.NoError(t, err)
		content := string(md)
		assert.Contains(t, content, "<!-- Pages 1-4 -->")
		assert.Contains(t, content, "<!-- Pages 5-8 -->")
		assert.Contains(t, content, "<!-- Pages 9-10 -->")
		assert.Less(t,
			strings.Index(content, "<!-- Pages 1-4 -->"),
			strings.Index(content, "<!-- Pages 9-10 -->"))

		raw, err := os.ReadFile(filepath.Join(final.ResultPath, normalizer.JSONName))
		require.NoError(t, err)
		var pages []map[string]any
		require.NoError(t, json.Unmarshal(raw, &pages))
		require.Len(t, pages, 3)
		var indexes []float64
		for _, p := range pages {
			indexes = append(indexes, p["page_idx"].(float64))
		}
		assert.Equal(t, []float64{0, 4, 8}, indexes)

		// Shard PDFs are removed, child result dirs stay.
		assert.NoDirExists(t, filepath.Join(splitsDir, parent.ID.String()))
		for _, c := range children {
			got, err := svc.Get(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, task.StatusCompleted, got.Status)
			assert.DirExists(t, got.ResultPath)
		}
	})

	t.Run("Should not split at or below the threshold", func(t *testing.T) {
		ctx := context.Background()
		svc := newTestService(ctx, t)
		r := engines.NewRegistry()
		r.Register(shardEngine(), "")
		w := newTestWorker(ctx, t, svc, r, Config{
			SplitEnabled:   true,
			SplitThreshold: 10,
			SplitChunkSize: 10,
		})

		input := filepath.Join(t.TempDir(), "small.pdf")
		makePDF(t, input, 3)
		submitted, err := svc.Submit(ctx, &task.CreateInput{
			FileName: "small.pdf", FilePath: input, Backend: "pipeline",
		})
		require.NoError(t, err)

		_, err = w.ProcessOne(ctx)
		require.NoError(t, err)
		got, err := svc.Get(ctx, submitted.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, got.Status)
		assert.False(t, got.IsParent)
	})

	t.Run("Should fail the parent when a shard fails", func(t *testing.T) {
		ctx := context.Background()
		svc := newTestService(ctx, t)
		r := engines.NewRegistry()
		r.Register(&stubEngine{
			name: "pipeline",
			exts: map[string]struct{}{".pdf": {}},
			parse: func(context.Context, engines.Input) (*engines.Result, error) {
				return nil, errors.New("shard engine down")
			},
		}, "")
		w := newTestWorker(ctx, t, svc, r, Config{
			SplitEnabled:   true,
			SplitThreshold: 4,
			SplitChunkSize: 4,
		})

		input := filepath.Join(t.TempDir(), "big.pdf")
		makePDF(t, input, 10)
		parent, err := svc.Submit(ctx, &task.CreateInput{
			FileName: "big.pdf", FilePath: input, Backend: "pipeline",
		})
		require.NoError(t, err)

		_, err = w.ProcessOne(ctx)
		require.NoError(t, err)
		_, err = w.ProcessOne(ctx)
		require.NoError(t, err)

		got, err := svc.Get(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status)
		assert.Contains(t, got.ErrorMessage, "shard engine down")
	})
}

func TestSlots(t *testing.T) {
	t.Run("Should expand CPU slots by workers per device", func(t *testing.T) {
		slots := Slots("cpu", nil, 3)
		require.Len(t, slots, 3)
		for _, s := range slots {
			assert.Equal(t, "cpu", s.Device)
			assert.Empty(t, s.VisibleGPU)
		}
	})

	t.Run("Should pin one GPU per CUDA slot addressed as device zero", func(t *testing.T) {
		slots := Slots("cuda", []int{0, 2}, 2)
		require.Len(t, slots, 4)
		assert.Equal(t, "0", slots[0].VisibleGPU)
		assert.Equal(t, "0", slots[1].VisibleGPU)
		assert.Equal(t, "2", slots[2].VisibleGPU)
		assert.Equal(t, "2", slots[3].VisibleGPU)
		for _, s := range slots {
			assert.Equal(t, "cuda:0", s.Device)
		}
	})

	t.Run("Should fall back to CPU when auto finds no GPUs", func(t *testing.T) {
		slots := Slots("auto", nil, 1)
		require.Len(t, slots, 1)
		assert.Equal(t, "cpu", slots[0].Device)
	})
}
