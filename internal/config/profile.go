package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SourceFile    = "file"
	SourceWhisper = "whisper"
	SourceSample  = "sample"
)

// IngestProfile describes where GET /new-audio pulls its transcript from and
// how speaker labels bind to registered people.
type IngestProfile struct {
	Source         string            `yaml:"source"`
	TranscriptPath string            `yaml:"transcript_path"`
	AudioPath      string            `yaml:"audio_path"`
	Anchor         time.Time         `yaml:"anchor"`
	Speakers       map[string]string `yaml:"speakers"`
}

// LoadProfile reads and validates a YAML ingest profile.
func LoadProfile(path string) (IngestProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return IngestProfile{}, fmt.Errorf("read ingest profile: %w", err)
	}
	var p IngestProfile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return IngestProfile{}, fmt.Errorf("parse ingest profile %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return IngestProfile{}, fmt.Errorf("ingest profile %s: %w", path, err)
	}
	return p, nil
}

// DefaultProfile is used when no profile path is configured.
func DefaultProfile(speakers map[string]string) IngestProfile {
	return IngestProfile{Source: SourceSample, Speakers: speakers}
}

func (p *IngestProfile) validate() error {
	p.Source = strings.ToLower(strings.TrimSpace(p.Source))
	switch p.Source {
	case "":
		p.Source = SourceSample
	case SourceSample:
	case SourceFile:
		if strings.TrimSpace(p.TranscriptPath) == "" {
			return fmt.Errorf("source %q requires transcript_path", p.Source)
		}
	case SourceWhisper:
		if strings.TrimSpace(p.AudioPath) == "" {
			return fmt.Errorf("source %q requires audio_path", p.Source)
		}
	default:
		return fmt.Errorf("unknown source %q", p.Source)
	}
	for label, person := range p.Speakers {
		if strings.TrimSpace(label) == "" || strings.TrimSpace(person) == "" {
			return fmt.Errorf("speaker binding %q=%q must name both label and person", label, person)
		}
	}
	return nil
}
