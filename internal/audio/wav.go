package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	DefaultSampleRate = 16000

	wavHeaderSize = 44
	formatPCM     = 1
)

var ErrNotWAV = errors.New("not a RIFF/WAVE stream")

// Format describes the fmt chunk of a WAV recording.
type Format struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// ParseFormat walks the RIFF chunks of a WAV recording and returns its fmt
// chunk. Recordings from phones and browsers often carry LIST or fact chunks
// before fmt, so chunks are skipped by size rather than assumed at fixed
// offsets.
func ParseFormat(b []byte) (Format, error) {
	if !IsWAV(b) {
		return Format{}, ErrNotWAV
	}
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if id == "fmt " {
			if size < 16 || body+16 > len(b) {
				return Format{}, fmt.Errorf("truncated fmt chunk")
			}
			return Format{
				AudioFormat:   binary.LittleEndian.Uint16(b[body:]),
				Channels:      binary.LittleEndian.Uint16(b[body+2:]),
				SampleRate:    binary.LittleEndian.Uint32(b[body+4:]),
				BitsPerSample: binary.LittleEndian.Uint16(b[body+14:]),
			}, nil
		}
		// Chunks are word aligned.
		off = body + size + size%2
	}
	return Format{}, fmt.Errorf("missing fmt chunk")
}

// WritePCM16File writes raw PCM16LE mono samples to path as a WAV file.
func WritePCM16File(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WritePCM16(f, pcm, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EncodePCM16 wraps raw PCM16LE mono samples in a WAV container.
func EncodePCM16(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))
	if err := WritePCM16(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WritePCM16 writes raw PCM16LE mono samples to out as a WAV stream.
func WritePCM16(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm16 payload has odd length %d", len(pcm))
	}

	dataSize := uint32(len(pcm))
	header := struct {
		Riff          [4]byte
		ChunkSize     uint32
		Wave          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}{
		Riff:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Wave:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   formatPCM,
		Channels:      channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * bitsPerSample / 8),
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}

	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}
