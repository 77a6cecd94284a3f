package engines

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// CommandEngine adapts an external extraction tool: it execs the configured
// binary against the input file and collects the artifacts the tool wrote
// into the output directory.
type CommandEngine struct {
	name   string
	binary string
	exts   map[string]struct{}
	args   func(in Input) []string
	env    []string
}

// NewCommandEngine builds an adapter around binary; args produces the full
// argument list per invocation.
func NewCommandEngine(name, binary string, exts []string, args func(in Input) []string) *CommandEngine {
	return &CommandEngine{
		name:   name,
		binary: binary,
		exts:   extSet(exts...),
		args:   args,
	}
}

// WithEnv appends extra environment entries ("KEY=value") to every run.
func (e *CommandEngine) WithEnv(env ...string) *CommandEngine {
	e.env = append(e.env, env...)
	return e
}

func (e *CommandEngine) Name() string { return e.name }

func (e *CommandEngine) Supports(fileName string) bool { return hasExt(e.exts, fileName) }

// Available reports whether the backing binary is on PATH.
func (e *CommandEngine) Available() bool {
	_, err := exec.LookPath(e.binary)
	return err == nil
}

func (e *CommandEngine) Parse(ctx context.Context, in Input) (*Result, error) {
	if err := os.MkdirAll(in.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("engines: %s: create output dir: %w", e.name, err)
	}
	args := e.args(in)
	logger.FromContext(ctx).Debug("running engine command",
		"engine", e.name, "binary", e.binary, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Env = append(os.Environ(), e.env...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("engines: %s: %w: %s", e.name, err, tail(output.String(), 2000))
	}

	res := &Result{OutputDir: in.OutputDir}
	res.Markdown = findArtifact(in.OutputDir, ".md")
	res.JSON = findArtifact(in.OutputDir, ".json")
	if res.Markdown == "" {
		return nil, fmt.Errorf("engines: %s: no markdown produced in %s", e.name, in.OutputDir)
	}
	return res, nil
}

// findArtifact locates the first file with ext under dir, preferring
// shallower paths so a top-level result beats a nested intermediate.
func findArtifact(dir, ext string) string {
	var best string
	bestDepth := -1
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
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
	return best
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// pdfImageExts are the formats the document pipeline accepts directly.
var pdfImageExts = []string{".pdf", ".png", ".jpg", ".jpeg", ".bmp", ".tiff", ".tif", ".webp"}

// NewMinerUEngine adapts the MinerU CLI for one of its backends
// (pipeline, paddleocr-vl, paddleocr-vl-vllm).
func NewMinerUEngine(name, backendArg string) *CommandEngine {
	return NewCommandEngine(name, "mineru", pdfImageExts, func(in Input) []string {
		args := []string{"-p", in.FilePath, "-o", in.OutputDir, "-b", backendArg}
		if lang := in.Options.String("lang"); lang != "" {
			args = append(args, "-l", lang)
		}
		if method := in.Options.String("method"); method != "" {
			args = append(args, "-m", method)
		}
		if url := in.Options.String("server_url"); url != "" {
			args = append(args, "-u", url)
		}
		return args
	})
}

// NewSenseVoiceEngine adapts the SenseVoice ASR CLI for audio files.
func NewSenseVoiceEngine() *CommandEngine {
	return NewCommandEngine("sensevoice", "sensevoice",
		[]string{".wav", ".mp3", ".flac", ".m4a", ".aac", ".ogg", ".wma"},
		func(in Input) []string {
			args := []string{"-i", in.FilePath, "-o", in.OutputDir}
			if lang := in.Options.String("lang"); lang != "" {
				args = append(args, "-l", lang)
			}
			return args
		})
}

// officeTextExts are the document formats the markitdown fallback converts
// straight to markdown.
var officeTextExts = []string{
	".doc", ".docx", ".ppt", ".pptx", ".xls", ".xlsx",
	".odt", ".odp", ".ods", ".html", ".htm", ".csv", ".epub",
}

// NewMarkitdownEngine adapts the markitdown converter as the office/text
// fallback for formats the document pipeline does not read natively.
func NewMarkitdownEngine() *CommandEngine {
	return NewCommandEngine("office", "markitdown", officeTextExts, func(in Input) []string {
		return []string{in.FilePath, "-o", filepath.Join(in.OutputDir, "result.md")}
	})
}

// VideoEngine extracts the audio track with ffmpeg and delegates the
// transcription to the audio engine.
type VideoEngine struct {
	audio Engine
	exts  map[string]struct{}
}

// NewVideoEngine wires the video adapter on top of an audio engine.
func NewVideoEngine(audio Engine) *VideoEngine {
	return &VideoEngine{
		audio: audio,
		exts:  extSet(".mp4", ".avi", ".mkv", ".mov", ".flv", ".wmv", ".webm"),
	}
}

func (e *VideoEngine) Name() string { return "video" }

func (e *VideoEngine) Supports(fileName string) bool { return hasExt(e.exts, fileName) }

// Available requires both ffmpeg and the downstream audio engine.
func (e *VideoEngine) Available() bool {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return false
	}
	return available(e.audio)
}

func (e *VideoEngine) Parse(ctx context.Context, in Input) (*Result, error) {
	if err := os.MkdirAll(in.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("engines: video: create output dir: %w", err)
	}
	wav := filepath.Join(in.OutputDir, "audio_track.wav")
	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y", "-i", in.FilePath, "-vn", "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1", wav)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("engines: video: extract audio: %w: %s", err, tail(output.String(), 2000))
	}
	defer os.Remove(wav)
	return e.audio.Parse(ctx, Input{
		FilePath:  wav,
		FileName:  filepath.Base(wav),
		OutputDir: in.OutputDir,
		Options:   in.Options,
	})
}

// DefaultRegistry assembles the standard roster in auto-dispatch order:
// domain-format parsers, audio, video, the document pipeline, then the
// native text and office fallbacks.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewFastaEngine(), "Native FASTA sequence summarizer")
	r.Register(NewGenBankEngine(), "Native GenBank flat-file summarizer")
	audio := NewSenseVoiceEngine()
	r.Register(audio, "SenseVoice speech recognition")
	r.Register(NewVideoEngine(audio), "ffmpeg audio extraction + SenseVoice")
	r.Register(NewMinerUEngine("pipeline", "pipeline"), "MinerU general document pipeline")
	r.Register(NewMinerUEngine("paddleocr-vl", "paddleocr-vl"), "PaddleOCR-VL document parsing")
	r.Register(NewMinerUEngine("paddleocr-vl-vllm", "paddleocr-vl-vllm"), "PaddleOCR-VL via vLLM server")
	r.Register(NewTextEngine(), "Native plain-text and PDF text extraction")
	r.Register(NewMarkitdownEngine(), "markitdown office and web document conversion")
	return r
}
