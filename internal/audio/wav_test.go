package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestEncodePCM16Header(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	b, err := EncodePCM16(pcm, 8000)
	if err != nil {
		t.Fatalf("EncodePCM16() error = %v", err)
	}
	if len(b) != wavHeaderSize+len(pcm) {
		t.Fatalf("len = %d, want %d", len(b), wavHeaderSize+len(pcm))
	}
	if got := binary.LittleEndian.Uint32(b[4:8]); got != uint32(36+len(pcm)) {
		t.Fatalf("chunk size = %d, want %d", got, 36+len(pcm))
	}
	if !bytes.Equal(b[wavHeaderSize:], pcm) {
		t.Fatalf("payload mismatch")
	}

	f, err := ParseFormat(b)
	if err != nil {
		t.Fatalf("ParseFormat() error = %v", err)
	}
	want := Format{AudioFormat: 1, Channels: 1, SampleRate: 8000, BitsPerSample: 16}
	if f != want {
		t.Fatalf("ParseFormat() = %+v, want %+v", f, want)
	}
}

func TestWritePCM16RejectsOddLength(t *testing.T) {
	if _, err := EncodePCM16([]byte{1, 2, 3}, 16000); err == nil {
		t.Fatalf("EncodePCM16() error = nil, want odd length failure")
	}
}

func TestParseFormatSkipsLeadingChunks(t *testing.T) {
	base, err := EncodePCM16([]byte{0, 0}, 16000)
	if err != nil {
		t.Fatalf("EncodePCM16() error = %v", err)
	}
	var b bytes.Buffer
	b.Write(base[:12])
	b.WriteString("LIST")
	_ = binary.Write(&b, binary.LittleEndian, uint32(3))
	b.Write([]byte{'a', 'b', 'c', 0})
	b.Write(base[12:])

	f, err := ParseFormat(b.Bytes())
	if err != nil {
		t.Fatalf("ParseFormat() error = %v", err)
	}
	if f.SampleRate != 16000 {
		t.Fatalf("SampleRate = %d, want 16000", f.SampleRate)
	}
}

func TestParseFormatRejectsNonWAV(t *testing.T) {
	if _, err := ParseFormat([]byte("ID3\x04 definitely an mp3")); err != ErrNotWAV {
		t.Fatalf("ParseFormat() error = %v, want ErrNotWAV", err)
	}
}

func TestWritePCM16File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "visit.wav")
	if err := WritePCM16File(path, []byte{0, 1, 0, 1}, 0); err != nil {
		t.Fatalf("WritePCM16File() error = %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	f, err := ParseFormat(b)
	if err != nil {
		t.Fatalf("ParseFormat() error = %v", err)
	}
	if f.SampleRate != DefaultSampleRate {
		t.Fatalf("SampleRate = %d, want %d", f.SampleRate, DefaultSampleRate)
	}
}
