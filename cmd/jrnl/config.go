package jrnl

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/slatefs/slatefs/journal"
)

// Geometry describes where the journal region sits on an image. It can
// come from flags or from a YAML file, flags winning.
type Geometry struct {
	// JournalOffset is the device block where the journal region begins.
	JournalOffset uint64 `yaml:"journal_offset"`
	// JournalBlocks is the journal region's total size in blocks.
	JournalBlocks uint64 `yaml:"journal_blocks"`
}

func loadGeometry(path string) (Geometry, error) {
	var g Geometry
	data, err := os.ReadFile(path)
	if err != nil {
		return g, fmt.Errorf("read geometry config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &g); err != nil {
		return g, fmt.Errorf("parse geometry config %s: %w", path, err)
	}
	return g, nil
}

// resolveGeometry merges the config file (if any) with explicit flags.
func resolveGeometry(configPath string, offsetFlag, lengthFlag uint64) (Geometry, error) {
	g := Geometry{JournalOffset: offsetFlag, JournalBlocks: lengthFlag}
	if configPath != "" {
		fromFile, err := loadGeometry(configPath)
		if err != nil {
			return g, err
		}
		if g.JournalOffset == 0 {
			g.JournalOffset = fromFile.JournalOffset
		}
		if g.JournalBlocks == defaultJournalBlocks && fromFile.JournalBlocks != 0 {
			g.JournalBlocks = fromFile.JournalBlocks
		}
	}
	return g, nil
}

func (g Geometry) journalConfig() journal.Config {
	return journal.Config{DeviceOffset: g.JournalOffset, Length: g.JournalBlocks}
}
