package ingest

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/elderwatch/internal/audio"
	"github.com/ent0n29/elderwatch/internal/config"
)

// Source produces raw transcript text for one conversation.
type Source interface {
	Name() string
	Transcript(ctx context.Context) (string, error)
}

//go:embed sample.srt
var sampleTranscript string

// SampleSource serves the bundled demo visit transcript.
type SampleSource struct{}

func (SampleSource) Name() string { return "sample" }

func (SampleSource) Transcript(context.Context) (string, error) {
	return sampleTranscript, nil
}

// FileSource reads an SRT transcript from disk.
type FileSource struct {
	Path string
}

func (f FileSource) Name() string { return "file" }

func (f FileSource) Transcript(context.Context) (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(b), nil
}

// WhisperSource transcribes a recording with the whisper.cpp CLI and returns
// its SRT output.
type WhisperSource struct {
	CLI       string
	ModelPath string
	AudioPath string
	Language  string
	Threads   int
	// Diarize asks whisper.cpp to label speakers on stereo recordings.
	Diarize bool
	Timeout time.Duration
}

func (w WhisperSource) Name() string { return "whisper" }

func (w WhisperSource) Transcript(ctx context.Context) (string, error) {
	return w.transcribe(ctx, w.AudioPath)
}

func (w WhisperSource) transcribe(ctx context.Context, audioPath string) (string, error) {
	cli := strings.TrimSpace(w.CLI)
	if cli == "" {
		cli = "whisper-cli"
	}
	cliPath, err := exec.LookPath(cli)
	if err != nil {
		return "", fmt.Errorf("whisper.cpp CLI not found (%s)", cli)
	}
	if strings.TrimSpace(w.ModelPath) == "" {
		return "", errors.New("whisper model path is required")
	}
	if _, err := os.Stat(audioPath); err != nil {
		return "", fmt.Errorf("audio file: %w", err)
	}
	language := strings.TrimSpace(w.Language)
	if language == "" {
		language = "en"
	}
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	tmpDir, err := os.MkdirTemp("", "elderwatch-whisper-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)
	outPrefix := filepath.Join(tmpDir, "out")

	args := []string{
		"-m", w.ModelPath,
		"-f", audioPath,
		"-l", language,
		"-osrt",
		"-of", outPrefix,
	}
	if w.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(w.Threads))
	}
	if w.Diarize {
		args = append(args, "-di")
	}

	cmd := exec.CommandContext(ctx, cliPath, args...)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("whisper.cpp timed out after %s", w.Timeout)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		// whisper.cpp is chatty; keep the tail.
		if len(detail) > 8<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(8<<10):])
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("whisper.cpp failed: %s", detail)
	}

	b, err := os.ReadFile(outPrefix + ".srt")
	if err != nil {
		return "", fmt.Errorf("read whisper output: %w", err)
	}
	return normalizeWhisperSpeakers(string(b)), nil
}

// UploadSource transcribes an uploaded recording. Raw PCM16LE mono payloads
// are wrapped in a WAV container first; WAV payloads pass through.
type UploadSource struct {
	Whisper    WhisperSource
	Payload    []byte
	SampleRate int
}

func (u UploadSource) Name() string { return "upload" }

func (u UploadSource) Transcript(ctx context.Context) (string, error) {
	if len(u.Payload) == 0 {
		return "", errors.New("empty audio payload")
	}
	tmpDir, err := os.MkdirTemp("", "elderwatch-upload-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "upload.wav")
	if audio.IsWAV(u.Payload) {
		f, err := audio.ParseFormat(u.Payload)
		if err != nil {
			return "", fmt.Errorf("inspect wav: %w", err)
		}
		if f.AudioFormat != 1 {
			return "", fmt.Errorf("unsupported wav encoding %d, want PCM", f.AudioFormat)
		}
		if err := os.WriteFile(path, u.Payload, 0o600); err != nil {
			return "", err
		}
	} else if err := audio.WritePCM16File(path, u.Payload, u.SampleRate); err != nil {
		return "", fmt.Errorf("wrap pcm: %w", err)
	}
	return u.Whisper.transcribe(ctx, path)
}

// WhisperFromConfig builds the whisper.cpp runner from LOCAL_WHISPER_*
// settings.
func WhisperFromConfig(cfg config.Config, audioPath string) WhisperSource {
	return WhisperSource{
		CLI:       cfg.LocalWhisperCLI,
		ModelPath: cfg.LocalWhisperModelPath,
		AudioPath: audioPath,
		Language:  cfg.LocalWhisperLanguage,
		Threads:   cfg.LocalWhisperThreads,
		Diarize:   cfg.LocalWhisperDiarize,
		Timeout:   cfg.LocalWhisperTimeout,
	}
}

// SourceFromProfile picks the transcript source an ingest profile names.
func SourceFromProfile(p config.IngestProfile, cfg config.Config) (Source, error) {
	switch p.Source {
	case "", config.SourceSample:
		return SampleSource{}, nil
	case config.SourceFile:
		return FileSource{Path: p.TranscriptPath}, nil
	case config.SourceWhisper:
		return WhisperFromConfig(cfg, p.AudioPath), nil
	default:
		return nil, fmt.Errorf("unknown transcript source %q", p.Source)
	}
}

var whisperSpeakerPattern = regexp.MustCompile(`(?im)^[ \t]*[\[(]speaker[ _]0*(\d+)[\])]:?[ \t]*`)

// normalizeWhisperSpeakers rewrites whisper.cpp speaker markers such as
// "(speaker 1)" or "[SPEAKER_01]" into the "Speaker 1: " label form.
func normalizeWhisperSpeakers(srt string) string {
	return whisperSpeakerPattern.ReplaceAllString(srt, "Speaker $1: ")
}
