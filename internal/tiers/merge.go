package tiers

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"bulk-job-orchestrator/internal/models"
)

// Merger folds per-item outputs into one artifact, one item at a time.
type Merger interface {
	Add(index int, item models.WorkItem, data []byte) error
	Close() ([]byte, error)
}

// NewMerger returns the merger for a job type: a delivery report for messages, a zip otherwise.
func NewMerger(t models.JobType) Merger {
	if t == models.TypeBulkMessage {
		return NewReportMerger()
	}
	return NewZipMerger()
}

// Describe returns the content type and file name of a merged artifact.
func Describe(t models.JobType, label string) (contentType, filename string) {
	base := slug(label)
	if base == "" {
		base = slug(string(t))
	}
	if t == models.TypeBulkMessage {
		return "application/x-ndjson", base + ".ndjson"
	}
	return "application/zip", base + ".zip"
}

var unsafeName = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	return strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// ItemFilename names one item's entry inside a merged archive.
func ItemFilename(index int, item models.WorkItem) string {
	name := slug(item.Subject + " " + item.Target)
	if name == "" {
		name = "item"
	}
	return fmt.Sprintf("%03d-%s.txt", index+1, name)
}

// ZipMerger writes each item as its own archive entry.
type ZipMerger struct {
	buf bytes.Buffer
	zw  *zip.Writer
}

func NewZipMerger() *ZipMerger {
	m := &ZipMerger{}
	m.zw = zip.NewWriter(&m.buf)
	return m
}

func (m *ZipMerger) Add(index int, item models.WorkItem, data []byte) error {
	w, err := m.zw.Create(ItemFilename(index, item))
	if err != nil {
		return fmt.Errorf("zip entry: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("zip write: %w", err)
	}
	return nil
}

func (m *ZipMerger) Close() ([]byte, error) {
	if err := m.zw.Close(); err != nil {
		return nil, fmt.Errorf("zip close: %w", err)
	}
	return m.buf.Bytes(), nil
}

// ReportLine is one entry of a message delivery report.
type ReportLine struct {
	Subject string `json:"subject"`
	Target  string `json:"target"`
	Output  string `json:"output"`
}

// ReportMerger writes newline-delimited JSON, one line per item.
type ReportMerger struct {
	buf bytes.Buffer
	enc *json.Encoder
}

func NewReportMerger() *ReportMerger {
	m := &ReportMerger{}
	m.enc = json.NewEncoder(&m.buf)
	return m
}

func (m *ReportMerger) Add(_ int, item models.WorkItem, data []byte) error {
	return m.enc.Encode(ReportLine{Subject: item.Subject, Target: item.Target, Output: string(data)})
}

func (m *ReportMerger) Close() ([]byte, error) {
	return m.buf.Bytes(), nil
}
