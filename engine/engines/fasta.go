package engines

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FastaEngine is a native parser for FASTA sequence files. It summarizes
// each record (id, description, length, GC content) instead of OCR-style
// extraction.
type FastaEngine struct {
	exts map[string]struct{}
}

// NewFastaEngine returns the FASTA domain-format engine.
func NewFastaEngine() *FastaEngine {
	return &FastaEngine{exts: extSet(".fa", ".fasta", ".fna", ".ffn", ".faa", ".frn")}
}

func (e *FastaEngine) Name() string { return "fasta" }

func (e *FastaEngine) Supports(fileName string) bool { return hasExt(e.exts, fileName) }

// fastaRecord is one parsed sequence entry.
type fastaRecord struct {
	ID          string  `json:"id"`
	Description string  `json:"description,omitempty"`
	Length      int     `json:"length"`
	GCPercent   float64 `json:"gc_percent"`
}

func (e *FastaEngine) Parse(ctx context.Context, in Input) (*Result, error) {
	records, err := parseFasta(in.FilePath)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("engines: fasta: no records in %s", in.FileName)
	}
	if err := os.MkdirAll(in.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("engines: fasta: create output dir: %w", err)
	}

	var md strings.Builder
	fmt.Fprintf(&md, "# %s\n\n", in.FileName)
	fmt.Fprintf(&md, "%d sequence record(s)\n\n", len(records))
	md.WriteString("| ID | Description | Length | GC% |\n")
	md.WriteString("| --- | --- | --- | --- |\n")
	for _, r := range records {
		fmt.Fprintf(&md, "| %s | %s | %d | %.2f |\n", r.ID, r.Description, r.Length, r.GCPercent)
	}
	mdPath := filepath.Join(in.OutputDir, "result.md")
	if err := os.WriteFile(mdPath, []byte(md.String()), 0o644); err != nil {
		return nil, fmt.Errorf("engines: fasta: write markdown: %w", err)
	}

	payload, err := json.MarshalIndent(map[string]any{"records": records}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("engines: fasta: marshal records: %w", err)
	}
	jsonPath := filepath.Join(in.OutputDir, "result.json")
	if err := os.WriteFile(jsonPath, payload, 0o644); err != nil {
		return nil, fmt.Errorf("engines: fasta: write json: %w", err)
	}
	return &Result{OutputDir: in.OutputDir, Markdown: mdPath, JSON: jsonPath}, nil
}

func parseFasta(path string) ([]fastaRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engines: fasta: open: %w", err)
	}
	defer f.Close()

	var (
		records []fastaRecord
		current *fastaRecord
		gc      int
	)
	flush := func() {
		if current == nil {
			return
		}
		if current.Length > 0 {
			current.GCPercent = 100 * float64(gc) / float64(current.Length)
		}
		records = append(records, *current)
		current, gc = nil, 0
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, ">") {
			flush()
			header := strings.TrimPrefix(line, ">")
			id, desc, _ := strings.Cut(header, " ")
			current = &fastaRecord{ID: id, Description: strings.TrimSpace(desc)}
			continue
		}
		if current == nil {
			return nil, fmt.Errorf("engines: fasta: sequence data before first header")
		}
		current.Length += len(line)
		for _, c := range line {
			switch c {
			case 'G', 'g', 'C', 'c':
				gc++
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("engines: fasta: scan: %w", err)
	}
	flush()
	return records, nil
}
