package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// TextEngine is the native fallback: plain text and markdown pass through,
// PDFs get their embedded text layer extracted. No OCR, no images.
type TextEngine struct {
	exts map[string]struct{}
}

// NewTextEngine returns the native text extraction engine.
func NewTextEngine() *TextEngine {
	return &TextEngine{exts: extSet(".txt", ".md", ".markdown", ".pdf")}
}

func (e *TextEngine) Name() string { return "text" }

func (e *TextEngine) Supports(fileName string) bool { return hasExt(e.exts, fileName) }

func (e *TextEngine) Parse(ctx context.Context, in Input) (*Result, error) {
	if err := os.MkdirAll(in.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("engines: text: create output dir: %w", err)
	}
	var pages []pageEntry
	switch strings.ToLower(filepath.Ext(in.FileName)) {
	case ".pdf":
		extracted, err := extractPDFText(in.FilePath)
		if err != nil {
			return nil, err
		}
		pages = extracted
	default:
		raw, err := os.ReadFile(in.FilePath)
		if err != nil {
			return nil, fmt.Errorf("engines: text: read input: %w", err)
		}
		pages = []pageEntry{{Type: "text", Text: string(raw), PageIdx: 0}}
	}

	var md strings.Builder
	for i, p := range pages {
		if i > 0 {
			md.WriteString("\n\n")
		}
		md.WriteString(strings.TrimSpace(p.Text))
	}
	mdPath := filepath.Join(in.OutputDir, "result.md")
	if err := os.WriteFile(mdPath, []byte(md.String()), 0o644); err != nil {
		return nil, fmt.Errorf("engines: text: write markdown: %w", err)
	}
	jsonPath := filepath.Join(in.OutputDir, "result.json")
	payload, err := json.MarshalIndent(pages, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("engines: text: marshal pages: %w", err)
	}
	if err := os.WriteFile(jsonPath, payload, 0o644); err != nil {
		return nil, fmt.Errorf("engines: text: write json: %w", err)
	}
	return &Result{OutputDir: in.OutputDir, Markdown: mdPath, JSON: jsonPath}, nil
}

// pageEntry mirrors the structured per-page output the document pipeline
// emits, so merged results stay uniform across engines.
type pageEntry struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	PageIdx int    `json:"page_idx"`
}

func extractPDFText(path string) ([]pageEntry, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engines: text: open pdf: %w", err)
	}
	defer f.Close()
	var pages []pageEntry
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Pages with exotic encodings degrade to empty rather than
			// failing the whole document.
			text = ""
		}
		pages = append(pages, pageEntry{Type: "text", Text: text, PageIdx: i - 1})
	}
	return pages, nil
}
