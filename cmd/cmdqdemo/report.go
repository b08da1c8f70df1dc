package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/gogpu/cmdqueue"
	"github.com/gogpu/cmdqueue/frame"
)

// report is the summary written by -report.
type report struct {
	Backend   string         `json:"backend"`
	Adapter   string         `json:"adapter"`
	Width     uint32         `json:"width"`
	Height    uint32         `json:"height"`
	ElapsedMS int64          `json:"elapsed_ms"`
	Frames    frame.Stats    `json:"frames"`
	Queue     cmdqueue.Stats `json:"queue"`
	Shaders   []string       `json:"shaders"`
	Materials []string       `json:"materials"`
}

func writeReport(path string, r report, elapsed time.Duration) error {
	r.ElapsedMS = elapsed.Milliseconds()
	data, err := sonnet.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
