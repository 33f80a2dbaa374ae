package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Load reads settings from a YAML or JSON file.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	return Parse(data, filepath.Ext(path))
}

// Parse decodes settings from raw bytes. JSON is selected by a ".json"
// extension, everything else is decoded as YAML.
func Parse(data []byte, ext string) (*Settings, error) {
	settings := &Settings{}

	if strings.EqualFold(ext, ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(settings); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(settings); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	return settings, nil
}

// Save writes settings to path in the format its extension selects. The
// file is replaced atomically.
func Save(path string, s *Settings) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(s, "", "  ")
	} else {
		data, err = yaml.Marshal(s)
	}
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return os.Rename(tmp, path)
}

// Live holds the current live settings. Reads always return a copy.
type Live struct {
	mu       sync.RWMutex
	settings *Settings
}

func NewLive(initial *Settings) *Live {
	return &Live{settings: initial.Clone()}
}

func (l *Live) Get() *Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.settings.Clone()
}

func (l *Live) Set(s *Settings) error {
	if s == nil {
		return fmt.Errorf("%w: settings are required", ErrInvalid)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.settings = s.Clone()
	l.mu.Unlock()
	return nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(key), "-", "_"))
}
