package storage

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SummaryData holds the metadata written next to a repository snapshot.
type SummaryData struct {
	Applications     int            `json:"applications"`
	AppSamples       int            `json:"app_samples"`
	InterfaceSamples int            `json:"interface_samples"`
	AppBuckets       map[string]int `json:"app_buckets"`
	InterfaceBuckets map[string]int `json:"interface_buckets"`
	Timestamp        string         `json:"timestamp"`
}

// saveSnapshot serializes all tables to path in gob format and writes summary.json beside it.
// The file is written to a temporary name first and renamed into place.
func saveSnapshot(path string, t *tables) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file '%s': %w", tmp, err)
	}
	encoder := gob.NewEncoder(file)
	if err := encoder.Encode(t); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode tables to gob for file '%s': %w", tmp, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot file '%s': %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}

	summary := SummaryData{
		Applications:     len(t.Applications),
		AppSamples:       len(t.AppRaw),
		InterfaceSamples: len(t.IfaceRaw),
		AppBuckets:       make(map[string]int),
		InterfaceBuckets: make(map[string]int),
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}
	for res, table := range t.AppBuckets {
		summary.AppBuckets[res.String()] = len(table)
	}
	for res, table := range t.IfaceBuckets {
		summary.InterfaceBuckets[res.String()] = len(table)
	}
	summaryFile, err := os.Create(filepath.Join(dir, "summary.json"))
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer summaryFile.Close()

	jsonEncoder := json.NewEncoder(summaryFile)
	jsonEncoder.SetIndent("", "  ")
	if err := jsonEncoder.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return nil
}

// loadSnapshot reads tables written by saveSnapshot. A missing file yields nil tables.
func loadSnapshot(path string) (*tables, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file '%s': %w", path, err)
	}
	defer file.Close()

	t := newTables()
	if err := gob.NewDecoder(file).Decode(t); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot file '%s': %w", path, err)
	}
	// Tables absent from an older snapshot must still exist.
	fresh := newTables()
	for res, table := range fresh.AppBuckets {
		if t.AppBuckets[res] == nil {
			t.AppBuckets[res] = table
		}
	}
	for res, table := range fresh.IfaceBuckets {
		if t.IfaceBuckets[res] == nil {
			t.IfaceBuckets[res] = table
		}
	}
	if t.Applications == nil {
		t.Applications = fresh.Applications
	}
	return t, nil
}
