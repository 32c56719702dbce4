package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/elderwatch/internal/audio"
	"github.com/ent0n29/elderwatch/internal/config"
	"github.com/ent0n29/elderwatch/internal/ingest"
)

const maxAudioUploadBytes = 64 << 20

type ingestRequest struct {
	Transcript string            `json:"transcript"`
	Speakers   map[string]string `json:"speakers"`
	Anchor     string            `json:"anchor"`
}

type ingestResponse struct {
	Status string `json:"status"`
	ingest.Result
}

// handleNewAudio ingests from the configured source with the configured
// speaker bindings.
func (s *Server) handleNewAudio(w http.ResponseWriter, r *http.Request) {
	res, err := s.ingest.IngestDefault(r.Context())
	if err != nil {
		s.respondFailure(w, r, "person", err)
		return
	}
	respondJSON(w, http.StatusOK, ingestResponse{Status: "success", Result: res})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Transcript) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "transcript is required")
		return
	}
	anchor, err := parseAnchor(req.Anchor)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.ingest.Ingest(r.Context(), ingest.Request{
		Transcript: req.Transcript,
		Speakers:   req.Speakers,
		Anchor:     anchor,
	})
	if err != nil {
		s.respondFailure(w, r, "person", err)
		return
	}
	respondJSON(w, http.StatusCreated, ingestResponse{Status: "success", Result: res})
}

// handleIngestAudio transcribes an uploaded recording with whisper.cpp and
// ingests the result. The body is a WAV file or raw PCM16LE mono; query
// parameters carry sample_rate (raw PCM only), speakers and anchor.
func (s *Server) handleIngestAudio(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	speakers := s.cfg.IngestSpeakers
	if raw := strings.TrimSpace(q.Get("speakers")); raw != "" {
		parsed, err := config.ParseSpeakerBindings(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		speakers = parsed
	}
	sampleRate := audio.DefaultSampleRate
	if raw := strings.TrimSpace(q.Get("sample_rate")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "sample_rate must be a positive integer")
			return
		}
		sampleRate = n
	}
	anchor, err := parseAnchor(q.Get("anchor"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioUploadBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "invalid_audio", err.Error())
		return
	}
	if len(payload) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_audio", "audio body is required")
		return
	}

	src := ingest.UploadSource{
		Whisper:    ingest.WhisperFromConfig(s.cfg, ""),
		Payload:    payload,
		SampleRate: sampleRate,
	}
	res, err := s.ingest.IngestSource(r.Context(), src, speakers, anchor)
	if err != nil {
		s.respondFailure(w, r, "person", err)
		return
	}
	respondJSON(w, http.StatusCreated, ingestResponse{Status: "success", Result: res})
}

func parseAnchor(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("anchor must be RFC3339: %w", err)
	}
	return t, nil
}
