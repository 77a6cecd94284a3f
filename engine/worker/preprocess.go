package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/tianshu-ai/tianshu/engine/task"
	"github.com/tianshu-ai/tianshu/pkg/logger"
)

var officeExts = map[string]struct{}{
	".doc": {}, ".docx": {}, ".ppt": {}, ".pptx": {}, ".xls": {}, ".xlsx": {}, ".odt": {}, ".odp": {}, ".ods": {},
}

func isOffice(fileName string) bool {
	_, ok := officeExts[strings.ToLower(filepath.Ext(fileName))]
	return ok
}

func isPDF(fileName string) bool {
	return strings.EqualFold(filepath.Ext(fileName), ".pdf")
}

// preprocess prepares the input file for the engine: office documents are
// converted to PDF when force_mineru routes them into the document
// pipeline, and watermark removal runs when requested. It returns the file
// the engine should read plus a cleanup for any intermediates; cleanup is
// safe to call on every exit path.
func (w *Worker) preprocess(ctx context.Context, t *task.Task) (string, func(), error) {
	workFile := t.FilePath
	var intermediates []string
	cleanup := func() {
		for _, p := range intermediates {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				logger.FromContext(ctx).Warn("failed to remove intermediate file", "path", p, "error", err)
			}
		}
	}

	if isOffice(t.FileName) && t.Options.Bool("force_mineru") {
		converted, err := convertOfficeToPDF(ctx, workFile)
		if err != nil {
			cleanup()
			return "", func() {}, err
		}
		intermediates = append(intermediates, converted)
		workFile = converted
	}

	if isPDF(workFile) && t.Options.Bool("remove_watermark") {
		cleaned, err := removeWatermarks(ctx, workFile)
		if err != nil {
			// Watermark removal is best-effort; the original file still
			// parses.
			logger.FromContext(ctx).Warn("watermark removal failed; using original", "error", err)
		} else {
			intermediates = append(intermediates, cleaned)
			workFile = cleaned
		}
	}

	return workFile, cleanup, nil
}

// convertOfficeToPDF shells out to LibreOffice in headless mode. The
// converted file lands next to the upload with the same stem.
func convertOfficeToPDF(ctx context.Context, filePath string) (string, error) {
	soffice, err := exec.LookPath("soffice")
	if err != nil {
		return "", fmt.Errorf("office conversion requires LibreOffice (soffice): %w", err)
	}
	outDir := filepath.Dir(filePath)
	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, soffice,
		"--headless", "--norestore", "--convert-to", "pdf", "--outdir", outDir, filePath)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("office conversion failed: %w: %s", err, strings.TrimSpace(output.String()))
	}
	stem := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	converted := filepath.Join(outDir, stem+".pdf")
	if _, err := os.Stat(converted); err != nil {
		return "", fmt.Errorf("office conversion produced no PDF at %s", converted)
	}
	logger.FromContext(ctx).Info("converted office document to PDF", "source", filePath)
	return converted, nil
}

// removeWatermarks writes a cleaned copy next to the input.
func removeWatermarks(ctx context.Context, filePath string) (string, error) {
	cleaned := strings.TrimSuffix(filePath, filepath.Ext(filePath)) + ".nowm.pdf"
	if err := api.RemoveWatermarksFile(filePath, cleaned, nil, nil); err != nil {
		return "", fmt.Errorf("remove watermarks: %w", err)
	}
	logger.FromContext(ctx).Info("removed watermarks", "source", filePath)
	return cleaned, nil
}
