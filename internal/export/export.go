// Package export renders session attendance as CSV.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"beaconattend/internal/attendance"
)

// TimeLayout is the check-in time format used in exports.
const TimeLayout = "2006-01-02 15:04:05"

// Header is the first CSV row.
var Header = []string{"Student ID", "Name", "Check-in Time", "Status", "Method", "Distance (m)"}

// Source provides the data an export needs.
type Source interface {
	SessionRecords(ctx context.Context, sessionID string) (attendance.SessionRecords, error)
	StudentName(ctx context.Context, studentID string) string
}

// Payload is the JSON form of an export.
type Payload struct {
	CSVData  string `json:"csvData"`
	Filename string `json:"filename"`
}

// Exporter builds exports from a Source.
type Exporter struct {
	src Source
}

// New creates an exporter.
func New(src Source) *Exporter {
	return &Exporter{src: src}
}

// Filename names the export of a session, dated by the session start.
func Filename(sess attendance.Session) string {
	return fmt.Sprintf("attendance_%s_%s.csv", sess.ID, sess.StartTime.UTC().Format("20060102"))
}

// WriteCSV writes header and one row per record.
func WriteCSV(w io.Writer, records []attendance.Record, name func(studentID string) string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range records {
		distance := "N/A"
		if r.Distance != nil {
			distance = strconv.FormatFloat(*r.Distance, 'f', 2, 64)
		}
		row := []string{
			r.StudentID,
			name(r.StudentID),
			r.Timestamp.UTC().Format(TimeLayout),
			string(r.Status),
			string(r.Method),
			distance,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Build renders the export of sessionID.
func (e *Exporter) Build(ctx context.Context, sessionID string) (Payload, error) {
	sr, err := e.src.SessionRecords(ctx, sessionID)
	if err != nil {
		return Payload{}, err
	}
	var buf bytes.Buffer
	name := func(id string) string { return e.src.StudentName(ctx, id) }
	if err := WriteCSV(&buf, sr.Records, name); err != nil {
		return Payload{}, fmt.Errorf("render csv: %w", err)
	}
	return Payload{CSVData: buf.String(), Filename: Filename(sr.Session)}, nil
}

// WriteToDir renders the export of sessionID into dir and returns the file
// path. The file appears atomically.
func (e *Exporter) WriteToDir(ctx context.Context, dir, sessionID string) (string, error) {
	p, err := e.Build(ctx, sessionID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, p.Filename)
	if filepath.Dir(path) != filepath.Clean(dir) {
		return "", fmt.Errorf("export file name %q escapes %s", p.Filename, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(p.CSVData); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publish export: %w", err)
	}
	return path, nil
}
