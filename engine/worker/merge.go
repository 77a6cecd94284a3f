package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tianshu-ai/tianshu/engine/core"
	"github.com/tianshu-ai/tianshu/engine/normalizer"
	"github.com/tianshu-ai/tianshu/engine/task"
	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// merge assembles the parent result from completed shard outputs: markdown
// fragments concatenated in page order with range delimiters, JSON page
// entries renumbered globally, then one normalizer pass over the parent
// directory. Shard PDFs are deleted afterwards; shard result directories
// stay for auditing.
func (w *Worker) merge(ctx context.Context, parentID core.ID) error {
	log := logger.FromContext(ctx).With("parent_task_id", parentID)
	parent, children, err := w.svc.GetWithChildren(ctx, parentID)
	if err != nil {
		return err
	}

	ordered := make([]*task.Task, 0, len(children))
	for _, c := range children {
		if _, ok := c.ChunkInfo(); ok {
			ordered = append(ordered, c)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, _ := ordered[i].ChunkInfo()
		b, _ := ordered[j].ChunkInfo()
		return a.StartPage < b.StartPage
	})

	var (
		mdParts  []string
		pages    []any
		haveJSON = true
	)
	for _, child := range ordered {
		ci, _ := child.ChunkInfo()
		if child.Status != task.StatusCompleted || child.ResultPath == "" {
			log.Warn("skipping shard without results",
				"child_task_id", child.ID, "status", child.Status)
			haveJSON = false
			continue
		}
		md, err := os.ReadFile(filepath.Join(child.ResultPath, normalizer.MarkdownName))
		if err != nil {
			log.Warn("skipping shard missing markdown", "child_task_id", child.ID, "error", err)
			haveJSON = false
			continue
		}
		mdParts = append(mdParts,
			fmt.Sprintf("<!-- Pages %d-%d -->\n\n%s", ci.StartPage, ci.EndPage, strings.TrimSpace(string(md))))

		shardPages, err := readShardPages(filepath.Join(child.ResultPath, normalizer.JSONName), ci.StartPage)
		if err != nil {
			log.Warn("shard JSON not mergeable", "child_task_id", child.ID, "error", err)
			haveJSON = false
			continue
		}
		pages = append(pages, shardPages...)
	}
	if len(mdParts) == 0 {
		return fmt.Errorf("merge: no shard produced markdown")
	}

	outputDir := w.taskOutputDir(parent)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("merge: create output dir: %w", err)
	}
	mdPath := filepath.Join(outputDir, normalizer.MarkdownName)
	if err := os.WriteFile(mdPath, []byte(strings.Join(mdParts, "\n\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("merge: write markdown: %w", err)
	}
	if haveJSON && len(pages) > 0 {
		payload, err := json.MarshalIndent(pages, "", "  ")
		if err != nil {
			return fmt.Errorf("merge: encode pages: %w", err)
		}
		if err := os.WriteFile(filepath.Join(outputDir, normalizer.JSONName), payload, 0o644); err != nil {
			return fmt.Errorf("merge: write json: %w", err)
		}
	}

	if err := w.normalize(ctx, parent, outputDir); err != nil {
		return err
	}
	if err := w.svc.Complete(ctx, parent.ID, parent.WorkerID, outputDir); err != nil {
		return fmt.Errorf("merge: finalize parent: %w", err)
	}

	shardDir := filepath.Join(w.cfg.SplitsDir, parent.ID.String())
	if err := os.RemoveAll(shardDir); err != nil {
		log.Warn("failed to remove shard PDFs", "dir", shardDir, "error", err)
	}
	log.Info("merged shard results", "shards", len(mdParts), "result_path", outputDir)
	return nil
}

// readShardPages loads a shard's structured output and renumbers its page
// entries so the merged document counts pages globally.
func readShardPages(path string, startPage int) ([]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []any
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	offset := float64(startPage - 1)
	for _, e := range entries {
		obj, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if idx, ok := obj["page_idx"].(float64); ok {
			obj["page_idx"] = idx + offset
		}
	}
	return entries, nil
}
