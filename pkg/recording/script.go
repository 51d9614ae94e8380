package recording

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RecorderInfo identifies the peer that requested the recording.
type RecorderInfo struct {
	Name   string `json:"name"`
	UserID string `json:"userId"`
}

// Script is the persisted description of one recording session. It is written
// when the session stops and consumed later, out of process, by the composer.
// Each listed filename embeds its capture start as a millisecond epoch before
// the extension.
type Script struct {
	SessionID      string       `json:"sessionId"`
	MeetingID      string       `json:"meetingId"`
	StartTimeEpoch int64        `json:"startTimeEpoch"`
	Recorder       RecorderInfo `json:"recorder"`
	Videos         []string     `json:"videos"`
	Audios         []string     `json:"audios"`
	Screens        []string     `json:"screens"`
}

// Save writes the script as indented JSON, creating parent directories.
func (s *Script) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal script: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create script directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write script: %w", err)
	}

	return nil
}

// LoadScript reads a script persisted by Save.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	script := &Script{}
	if err := json.Unmarshal(data, script); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}

	return script, nil
}
