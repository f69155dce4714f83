// Package report writes record snapshots and audit entries as CSV.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lazypower/lethe/internal/audit"
	"github.com/lazypower/lethe/internal/engine"
)

const maxText = 80

var (
	snapshotHeader = []string{"id", "topic", "tags", "emotion", "weight", "trust", "timestamp", "text"}
	flaggedHeader  = []string{"id", "topic", "tags", "emotion", "weight", "trust", "timestamp", "flags", "text"}
	auditHeader    = []string{"at", "stage", "type", "memory_id", "rule", "before", "after"}
)

// WriteSnapshot writes one row per record. With flags set, a flags column
// lists "shielded" and "removed" states.
func WriteSnapshot(w io.Writer, recs []engine.Record, flags bool) error {
	cw := csv.NewWriter(w)
	header := snapshotHeader
	if flags {
		header = flaggedHeader
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	for _, r := range recs {
		row := []string{
			r.ID,
			r.Topic,
			strings.Join(r.Tags, ";"),
			r.Emotion,
			formatWeight(r.Weight),
			formatWeight(r.Trust),
			formatTime(r.Timestamp),
		}
		if flags {
			row = append(row, recordFlags(r))
		}
		row = append(row, shorten(r.Text))
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write snapshot row %s: %w", r.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteAudit writes one row per entry in log order.
func WriteAudit(w io.Writer, entries []audit.Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(auditHeader); err != nil {
		return fmt.Errorf("write audit header: %w", err)
	}
	for _, e := range entries {
		rule := ""
		if len(e.Rule) > 0 {
			data, err := json.Marshal(e.Rule)
			if err != nil {
				return fmt.Errorf("encode audit rule %d: %w", e.Seq, err)
			}
			rule = string(data)
		}
		row := []string{
			formatTime(e.At),
			string(e.Stage),
			e.Type,
			e.RecordID,
			rule,
			formatOptional(e.Before),
			formatOptional(e.After),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write audit row %d: %w", e.Seq, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile creates path and hands it to fn.
func WriteFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func recordFlags(r engine.Record) string {
	var flags []string
	if r.Shielded {
		flags = append(flags, "shielded")
	}
	if r.Weight <= 0 {
		flags = append(flags, "removed")
	}
	return strings.Join(flags, ";")
}

func formatWeight(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatWeight(*v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func shorten(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= maxText {
		return s
	}
	return string(runes[:maxText-3]) + "..."
}
