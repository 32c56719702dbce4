package ingest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/elderwatch/internal/config"
	"github.com/ent0n29/elderwatch/internal/transcript"
)

func TestSampleSourceParses(t *testing.T) {
	text, err := SampleSource{}.Transcript(context.Background())
	require.NoError(t, err)
	drafts := transcript.Parser{}.Parse(text)
	require.Len(t, drafts, 9)
	labels := map[string]bool{}
	for _, d := range drafts {
		labels[d.Label] = true
	}
	assert.Equal(t, map[string]bool{"Speaker 0": true, "Speaker 1": true}, labels)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "visit.srt")
	require.NoError(t, os.WriteFile(path, []byte(twoBlockTranscript), 0o600))

	text, err := FileSource{Path: path}.Transcript(context.Background())
	require.NoError(t, err)
	assert.Equal(t, twoBlockTranscript, text)

	_, err = FileSource{Path: filepath.Join(t.TempDir(), "missing.srt")}.Transcript(context.Background())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNormalizeWhisperSpeakers(t *testing.T) {
	in := "1\n00:00:00,000 --> 00:00:01,000\n(speaker 0) Hello\n\n2\n00:00:01,000 --> 00:00:02,000\n[SPEAKER_01]: Hi there\n\n3\n00:00:02,000 --> 00:00:03,000\nno marker\n"
	out := normalizeWhisperSpeakers(in)
	drafts := transcript.Parser{}.Parse(out)
	require.Len(t, drafts, 3)
	assert.Equal(t, "Speaker 0", drafts[0].Label)
	assert.Equal(t, "Hello", drafts[0].Text)
	assert.Equal(t, "Speaker 1", drafts[1].Label)
	assert.Equal(t, "Hi there", drafts[1].Text)
	assert.Equal(t, transcript.UnknownSpeaker, drafts[2].Label)

	assert.Equal(t, "Speaker 0: ok\nSpeaker 10: ok", normalizeWhisperSpeakers("[SPEAKER_00] ok\n[speaker_10] ok"))
}

func TestSourceFromProfile(t *testing.T) {
	cfg := config.Config{LocalWhisperCLI: "whisper-cli", LocalWhisperModelPath: "/models/base.bin"}

	src, err := SourceFromProfile(config.IngestProfile{}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "sample", src.Name())

	src, err = SourceFromProfile(config.IngestProfile{Source: config.SourceFile, TranscriptPath: "visit.srt"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, FileSource{Path: "visit.srt"}, src)

	src, err = SourceFromProfile(config.IngestProfile{Source: config.SourceWhisper, AudioPath: "visit.wav"}, cfg)
	require.NoError(t, err)
	ws, ok := src.(WhisperSource)
	require.True(t, ok)
	assert.Equal(t, "visit.wav", ws.AudioPath)
	assert.Equal(t, "/models/base.bin", ws.ModelPath)

	_, err = SourceFromProfile(config.IngestProfile{Source: "tape"}, cfg)
	require.Error(t, err)
}

// fakeWhisperCLI writes a script that mimics whisper-cli's -osrt output.
func fakeWhisperCLI(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script CLI stub")
	}
	script := `#!/bin/sh
out=""
in=""
while [ $# -gt 0 ]; do
  case "$1" in
    -of) out="$2"; shift 2 ;;
    -f) in="$2"; shift 2 ;;
    *) shift ;;
  esac
done
if [ "$(head -c 4 "$in")" != "RIFF" ]; then
  echo "failed to read audio file" >&2
  exit 3
fi
printf '1\n00:00:00,000 --> 00:00:02,000\n[SPEAKER_0] I feel scared\n' > "$out.srt"
`
	path := filepath.Join(t.TempDir(), "whisper-cli")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestWhisperSourceRunsCLI(t *testing.T) {
	cli := fakeWhisperCLI(t)
	audioPath := filepath.Join(t.TempDir(), "visit.wav")
	require.NoError(t, os.WriteFile(audioPath, []byte("RIFF....WAVE"), 0o600))

	text, err := WhisperSource{CLI: cli, ModelPath: "model.bin", AudioPath: audioPath, Threads: 2}.Transcript(context.Background())
	require.NoError(t, err)
	assert.Contains(t, text, "Speaker 0: I feel scared")
}

func TestWhisperSourceSurfacesStderr(t *testing.T) {
	cli := fakeWhisperCLI(t)
	audioPath := filepath.Join(t.TempDir(), "visit.mp3")
	require.NoError(t, os.WriteFile(audioPath, []byte("ID3"), 0o600))

	_, err := WhisperSource{CLI: cli, ModelPath: "model.bin", AudioPath: audioPath}.Transcript(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read audio file")
}

func TestWhisperSourceValidates(t *testing.T) {
	_, err := WhisperSource{CLI: "definitely-not-a-whisper-binary"}.Transcript(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not found"))

	cli := fakeWhisperCLI(t)
	_, err = WhisperSource{CLI: cli, AudioPath: "x.wav"}.Transcript(context.Background())
	require.ErrorContains(t, err, "model path")
}

func TestUploadSourceWrapsRawPCM(t *testing.T) {
	cli := fakeWhisperCLI(t)
	pcm := make([]byte, 3200)
	text, err := UploadSource{
		Whisper:    WhisperSource{CLI: cli, ModelPath: "model.bin"},
		Payload:    pcm,
		SampleRate: 16000,
	}.Transcript(context.Background())
	require.NoError(t, err)
	assert.Contains(t, text, "Speaker 0:")

	_, err = UploadSource{Whisper: WhisperSource{CLI: cli, ModelPath: "model.bin"}}.Transcript(context.Background())
	require.ErrorContains(t, err, "empty audio payload")
}
