// Package knowledge provides the optional free-text facts spliced into
// generation prompts. Facts load from a YAML file; when the file is absent the
// source degrades to empty excerpts and the bot keeps working.
package knowledge

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Source looks up a fact excerpt for a topic. An empty topic requests a
// general fact; an empty return means "nothing to add".
type Source interface {
	Lookup(topic string) string
}

// Empty is the degraded Source used when no knowledge file is configured.
type Empty struct{}

func (Empty) Lookup(string) string { return "" }

type fileDoc struct {
	Facts   map[string]string `yaml:"facts"`
	General []string          `yaml:"general"`
}

// FileSource serves facts loaded from a YAML file:
//
//	facts:
//	  speedrun: "The streamer holds a personal best of ..."
//	general:
//	  - "The channel streams roguelikes on weekdays."
type FileSource struct {
	facts   map[string]string
	general []string

	mu   sync.Mutex
	next int
}

// LoadFile parses path into a FileSource. A missing path is not an error for
// callers that treat knowledge as optional; use Open for that behavior.
func LoadFile(path string) (*FileSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse knowledge file: %w", err)
	}
	facts := make(map[string]string, len(doc.Facts))
	for k, v := range doc.Facts {
		facts[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return &FileSource{facts: facts, general: doc.General}, nil
}

// Open returns a FileSource when path is set and readable, otherwise Empty.
// Load problems are logged once here; the bot never fails over knowledge.
func Open(path string) Source {
	if path == "" {
		return Empty{}
	}
	src, err := LoadFile(path)
	if err != nil {
		slog.Warn("knowledge file unavailable; continuing without facts", slog.String("path", path), slog.Any("err", err))
		return Empty{}
	}
	slog.Info("knowledge loaded", slog.String("path", path), slog.Int("facts", len(src.facts)), slog.Int("general", len(src.general)))
	return src
}

// Lookup returns the fact for topic (case-insensitive) when present, else
// rotates through the general facts.
func (s *FileSource) Lookup(topic string) string {
	if topic != "" {
		if fact, ok := s.facts[strings.ToLower(strings.TrimSpace(topic))]; ok {
			return fact
		}
	}
	if len(s.general) == 0 {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fact := s.general[s.next%len(s.general)]
	s.next++
	return fact
}
