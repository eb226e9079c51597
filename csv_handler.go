package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

var (
	// CSV Writers and File Handles
	dropEventsFile *os.File
	dropEventsCSV  *csv.Writer
	statsFile      *os.File
	statsCSV       *csv.Writer
)

var dropEventsHeader = []string{"timestamp", "src", "dst", "protocol", "ip_id", "reason", "length"}

// initializeCSVs creates the statistics CSV and, when drop logging is on,
// the drop events CSV.
func initializeCSVs(cfg *Config) error {
	err := os.MkdirAll(cfg.OutputDir, 0755)
	if err != nil {
		return fmt.Errorf("failed to create output directory '%s': %w", cfg.OutputDir, err)
	}

	statsPath := filepath.Join(cfg.OutputDir, cfg.StatsFilename)
	statsFile, err = os.Create(statsPath)
	if err != nil {
		return fmt.Errorf("failed to create statistics CSV file '%s': %w", statsPath, err)
	}
	statsCSV = csv.NewWriter(statsFile)
	if err := statsCSV.Write([]string{"counter", "value"}); err != nil {
		statsFile.Close()
		return fmt.Errorf("failed to write header to statistics CSV '%s': %w", statsPath, err)
	}
	statsCSV.Flush()
	loggerInfo.Printf("Initialized Statistics CSV at: %s", statsPath)

	if !cfg.LogDrops {
		return nil
	}

	dropsPath := filepath.Join(cfg.OutputDir, cfg.DropEventsFilename)
	dropEventsFile, err = os.Create(dropsPath)
	if err != nil {
		return fmt.Errorf("failed to create drop events CSV file '%s': %w", dropsPath, err)
	}
	dropEventsCSV = csv.NewWriter(dropEventsFile)
	if err := dropEventsCSV.Write(dropEventsHeader); err != nil {
		dropEventsFile.Close()
		return fmt.Errorf("failed to write header to drop events CSV '%s': %w", dropsPath, err)
	}
	dropEventsCSV.Flush()
	loggerInfo.Printf("Initialized Drop Events CSV at: %s", dropsPath)

	return nil
}

func dropEventRecord(ev ScrubEvent) []string {
	return []string{
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.Src,
		ev.Dst,
		strconv.Itoa(int(ev.Protocol)),
		strconv.Itoa(int(ev.IPID)),
		ev.Reason,
		strconv.Itoa(ev.Length),
	}
}

// writeDropEvent appends one row to the drop events CSV if it is open.
func writeDropEvent(ev ScrubEvent) {
	if dropEventsCSV == nil {
		return
	}
	if err := dropEventsCSV.Write(dropEventRecord(ev)); err != nil {
		loggerInfo.Printf("Error writing drop event to CSV: %v", err)
	}
}

// writeStatistics writes the final counters to the statistics CSV.
func writeStatistics(rows [][]string) {
	if statsCSV == nil {
		loggerInfo.Println("Statistics CSV writer not initialized. Skipping stats.")
		return
	}
	if err := statsCSV.WriteAll(rows); err != nil {
		loggerInfo.Printf("Error writing statistics CSV: %v", err)
	}
}

func closeCSVs() {
	if dropEventsCSV != nil {
		dropEventsCSV.Flush()
	}
	if dropEventsFile != nil {
		if err := dropEventsFile.Close(); err != nil {
			loggerInfo.Printf("Error closing drop events CSV file: %v", err)
		}
		dropEventsFile, dropEventsCSV = nil, nil
	}
	if statsCSV != nil {
		statsCSV.Flush()
	}
	if statsFile != nil {
		if err := statsFile.Close(); err != nil {
			loggerInfo.Printf("Error closing statistics CSV file: %v", err)
		}
		statsFile, statsCSV = nil, nil
	}
	loggerInfo.Println("CSV files closed.")
}
