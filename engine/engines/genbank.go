package engines

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// GenBankEngine is a native parser for GenBank flat files. It summarizes
// each record's LOCUS metadata, definition, and feature table.
type GenBankEngine struct {
	exts map[string]struct{}
}

// NewGenBankEngine returns the GenBank domain-format engine.
func NewGenBankEngine() *GenBankEngine {
	return &GenBankEngine{exts: extSet(".gb", ".gbk", ".genbank")}
}

func (e *GenBankEngine) Name() string { return "genbank" }

func (e *GenBankEngine) Supports(fileName string) bool { return hasExt(e.exts, fileName) }

// genbankRecord is the summarized view of one flat-file entry.
type genbankRecord struct {
	Locus        string         `json:"locus"`
	Length       int            `json:"length"`
	MoleculeType string         `json:"molecule_type,omitempty"`
	Division     string         `json:"division,omitempty"`
	Definition   string         `json:"definition,omitempty"`
	Accession    string         `json:"accession,omitempty"`
	Organism     string         `json:"organism,omitempty"`
	Features     map[string]int `json:"features,omitempty"`
}

func (e *GenBankEngine) Parse(ctx context.Context, in Input) (*Result, error) {
	records, err := parseGenBank(in.FilePath)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("engines: genbank: no records in %s", in.FileName)
	}
	if err := os.MkdirAll(in.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("engines: genbank: create output dir: %w", err)
	}

	var md strings.Builder
	fmt.Fprintf(&md, "# %s\n\n", in.FileName)
	for _, r := range records {
		fmt.Fprintf(&md, "## %s\n\n", r.Locus)
		if r.Definition != "" {
			fmt.Fprintf(&md, "%s\n\n", r.Definition)
		}
		fmt.Fprintf(&md, "- Length: %d bp\n", r.Length)
		if r.MoleculeType != "" {
			fmt.Fprintf(&md, "- Molecule: %s\n", r.MoleculeType)
		}
		if r.Accession != "" {
			fmt.Fprintf(&md, "- Accession: %s\n", r.Accession)
		}
		if r.Organism != "" {
			fmt.Fprintf(&md, "- Organism: %s\n", r.Organism)
		}
		if len(r.Features) > 0 {
			md.WriteString("- Features:")
			for _, key := range sortedKeys(r.Features) {
				fmt.Fprintf(&md, " %s=%d", key, r.Features[key])
			}
			md.WriteString("\n")
		}
		md.WriteString("\n")
	}
	mdPath := filepath.Join(in.OutputDir, "result.md")
	if err := os.WriteFile(mdPath, []byte(md.String()), 0o644); err != nil {
		return nil, fmt.Errorf("engines: genbank: write markdown: %w", err)
	}

	payload, err := json.MarshalIndent(map[string]any{"records": records}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("engines: genbank: marshal records: %w", err)
	}
	jsonPath := filepath.Join(in.OutputDir, "result.json")
	if err := os.WriteFile(jsonPath, payload, 0o644); err != nil {
		return nil, fmt.Errorf("engines: genbank: write json: %w", err)
	}
	return &Result{OutputDir: in.OutputDir, Markdown: mdPath, JSON: jsonPath}, nil
}

func parseGenBank(path string) ([]genbankRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engines: genbank: open: %w", err)
	}
	defer f.Close()

	var (
		records    []genbankRecord
		current    *genbankRecord
		inFeatures bool
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "LOCUS"):
			fields := strings.Fields(line)
			current = &genbankRecord{Features: make(map[string]int)}
			if len(fields) > 1 {
				current.Locus = fields[1]
			}
			for i := 2; i < len(fields); i++ {
				if fields[i] == "bp" && i > 2 {
					fmt.Sscanf(fields[i-1], "%d", &current.Length)
					if i+1 < len(fields) {
						current.MoleculeType = fields[i+1]
					}
				}
			}
			if len(fields) > 2 {
				current.Division = fields[len(fields)-2]
			}
			inFeatures = false
		case current == nil:
			continue
		case strings.HasPrefix(line, "DEFINITION"):
			current.Definition = strings.TrimSpace(strings.TrimPrefix(line, "DEFINITION"))
			inFeatures = false
		case strings.HasPrefix(line, "ACCESSION"):
			fields := strings.Fields(line)
			if len(fields) > 1 {
				current.Accession = fields[1]
			}
			inFeatures = false
		case strings.HasPrefix(line, "  ORGANISM"):
			current.Organism = strings.TrimSpace(strings.TrimPrefix(line, "  ORGANISM"))
		case strings.HasPrefix(line, "FEATURES"):
			inFeatures = true
		case strings.HasPrefix(line, "ORIGIN"), strings.HasPrefix(line, "CONTIG"):
			inFeatures = false
		case strings.HasPrefix(line, "//"):
			records = append(records, *current)
			current = nil
			inFeatures = false
		case inFeatures:
			// Feature keys sit at column 5 with their location at column 21;
			// qualifier lines start deeper and are skipped.
			if len(line) > 5 && line[0] == ' ' && line[5] != ' ' {
				fields := strings.Fields(line)
				if len(fields) > 0 {
					current.Features[fields[0]]++
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("engines: genbank: scan: %w", err)
	}
	if current != nil {
		records = append(records, *current)
	}
	return records, nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
