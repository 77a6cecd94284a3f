package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/tianshu-ai/tianshu/engine/task"
	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// maybeSplit applies the fan-out gate: a PDF over the page threshold is
// converted to a parent and sharded into page-range PDFs, one child row per
// shard. Returns true when the task was handled as a parent.
func (w *Worker) maybeSplit(ctx context.Context, t *task.Task, workFile string) (bool, error) {
	if !w.cfg.SplitEnabled || !isPDF(workFile) {
		return false, nil
	}
	pages, err := api.PageCountFile(workFile)
	if err != nil {
		return false, fmt.Errorf("count pages: %w", err)
	}
	if pages <= w.cfg.SplitThreshold {
		return false, nil
	}

	log := logger.FromContext(ctx)
	chunk := w.cfg.SplitChunkSize
	numChildren := (pages + chunk - 1) / chunk
	log.Info("splitting oversized PDF",
		"pages", pages, "chunk_size", chunk, "children", numChildren)

	if err := w.svc.ConvertToParent(ctx, t.ID, numChildren); err != nil {
		return false, fmt.Errorf("convert to parent: %w", err)
	}

	shardDir := filepath.Join(w.cfg.SplitsDir, t.ID.String())
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return false, fmt.Errorf("create shard dir: %w", err)
	}
	stem := strings.TrimSuffix(t.FileName, filepath.Ext(t.FileName))

	for i := 0; i < numChildren; i++ {
		start := i*chunk + 1
		end := (i + 1) * chunk
		if end > pages {
			end = pages
		}
		shardName := fmt.Sprintf("%s_p%04d-%04d.pdf", stem, start, end)
		shardPath := filepath.Join(shardDir, shardName)
		if err := api.TrimFile(workFile, shardPath, []string{fmt.Sprintf("%d-%d", start, end)}, nil); err != nil {
			return false, fmt.Errorf("extract pages %d-%d: %w", start, end, err)
		}

		options := make(task.Options, len(t.Options)+1)
		for k, v := range t.Options {
			options[k] = v
		}
		options["chunk_info"] = task.ChunkInfo{
			StartPage: start,
			EndPage:   end,
			PageCount: end - start + 1,
		}
		child, err := w.svc.SubmitChild(ctx, t.ID, &task.CreateInput{
			FileName: shardName,
			FilePath: shardPath,
			Backend:  t.Backend,
			Options:  options,
			Priority: t.Priority,
			UserID:   t.UserID,
		})
		if err != nil {
			return false, fmt.Errorf("create shard task %d-%d: %w", start, end, err)
		}
		log.Debug("created shard task", "child_task_id", child.ID, "pages", fmt.Sprintf("%d-%d", start, end))
	}
	// The parent stays processing until the merger promotes it.
	return true, nil
}
