package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrAudioNotFound is returned when the input audio path does not exist.
var ErrAudioNotFound = errors.New("audio file not found")

// Error is a stage-aware transcription failure.
type Error struct {
	Stage    string
	Message  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s: %s (exit=%d)", e.Stage, e.Message, e.ExitCode)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
	}
	return res, err
}

type Options struct {
	FFmpegPath  string
	WhisperPath string
	ModelPath   string
	// Language is a whisper language code; "" or "auto" lets the model detect it.
	Language string
	// Concurrency bounds simultaneous model runs; the runtime is shared by all jobs.
	Concurrency int
	Threads     int
}

// Whisper transcribes audio with ffmpeg (resample to 16 kHz mono WAV) and
// whisper.cpp. One instance is created at startup and shared.
type Whisper struct {
	opts   Options
	sem    *semaphore.Weighted
	runner commandRunner

	stat      func(name string) (os.FileInfo, error)
	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
	readFile  func(name string) ([]byte, error)
}

func NewWhisper(opts Options) *Whisper {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.WhisperPath == "" {
		opts.WhisperPath = "whisper-cli"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Whisper{
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
		runner:    execRunner{},
		stat:      os.Stat,
		mkdirTemp: os.MkdirTemp,
		removeAll: os.RemoveAll,
		readFile:  os.ReadFile,
	}
}

// Check verifies the model file is present, so a misconfigured runtime is
// reported at startup instead of on the first job.
func (w *Whisper) Check() error {
	if strings.TrimSpace(w.opts.ModelPath) == "" {
		return errors.New("whisper model path is required")
	}
	if _, err := w.stat(w.opts.ModelPath); err != nil {
		return fmt.Errorf("whisper model: %w", err)
	}
	return nil
}

func (w *Whisper) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if strings.TrimSpace(audioPath) == "" {
		return "", &Error{Stage: "input", Message: "audio path is required", Err: ErrAudioNotFound}
	}
	if _, err := w.stat(audioPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", &Error{Stage: "input", Message: "audio file not found: " + audioPath, Err: ErrAudioNotFound}
		}
		return "", &Error{Stage: "input", Message: "cannot access audio file: " + audioPath, Err: err}
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return "", &Error{Stage: "queue", Message: "waiting for transcriber", Err: err}
	}
	defer w.sem.Release(1)

	tempDir, err := w.mkdirTemp("", "soundscribe-*")
	if err != nil {
		return "", &Error{Stage: "preprocessing", Message: "failed to create temporary workspace", Err: err}
	}
	defer func() { _ = w.removeAll(tempDir) }()

	wavPath := filepath.Join(tempDir, "audio-16k-mono.wav")
	start := time.Now()
	if res, err := w.runner.Run(ctx, w.opts.FFmpegPath, buildFFmpegArgs(audioPath, wavPath)...); err != nil {
		return "", &Error{Stage: "preprocessing", Message: "ffmpeg audio conversion failed", ExitCode: res.ExitCode, Stderr: tail(res.Stderr), Err: err}
	}
	convertCost := time.Since(start)

	outBase := filepath.Join(tempDir, "transcript")
	start = time.Now()
	if res, err := w.runner.Run(ctx, w.opts.WhisperPath, buildWhisperArgs(w.opts, wavPath, outBase)...); err != nil {
		return "", &Error{Stage: "transcribing", Message: "whisper.cpp transcription failed", ExitCode: res.ExitCode, Stderr: tail(res.Stderr), Err: err}
	}
	whisperCost := time.Since(start)

	content, err := w.readFile(outBase + ".txt")
	if err != nil {
		return "", &Error{Stage: "transcribing", Message: "whisper.cpp completed but transcript file is missing", Err: err}
	}

	log.Printf("transcribe audio=%s convert=%s whisper=%s", filepath.Base(audioPath), convertCost, whisperCost)
	return strings.TrimSpace(string(content)), nil
}

func buildFFmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// buildWhisperArgs asks whisper.cpp for a plain .txt transcript at outBase.txt.
func buildWhisperArgs(opts Options, audioPath, outBase string) []string {
	args := []string{
		"-m", opts.ModelPath,
		"-f", audioPath,
		"-otxt",
		"-of", outBase,
		"-np",
	}
	if lang := normalizeLanguage(opts.Language); lang != "" {
		args = append(args, "-l", lang)
	}
	if opts.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(opts.Threads))
	}
	return args
}

func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

// tail keeps the end of stderr, where tools report the actual failure.
func tail(s string) string {
	const limit = 2048
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
