package srvins

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Exporter defines an export interface.
type Exporter interface {
	Write(ErrorEstimate) error
	Close() error
}

// CSVExporter writes one line per ErrorEstimate: the timestamp, each IMU error component with
// its ±2σ bounds, then the NEES.
type CSVExporter struct {
	delimiter string
	hdlr      *os.File
}

// NewCSVExporter creates dir/filename and writes its header.
func NewCSVExporter(dir, filename string) (*CSVExporter, error) {
	f, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		return nil, err
	}
	delimiter := ","
	hdr := make([]string, 0, 2+3*len(ImuErrorHeaders))
	hdr = append(hdr, "t")
	for _, h := range ImuErrorHeaders {
		hdr = append(hdr, h, h+"+2s", h+"-2s")
	}
	hdr = append(hdr, "nees", "pose_nees")
	if _, err := fmt.Fprintf(f, "# Creation date (UTC): %s\n%s\n", time.Now().UTC(), strings.Join(hdr, delimiter)); err != nil {
		f.Close()
		return nil, err
	}
	return &CSVExporter{delimiter, f}, nil
}

// Write writes the estimate to the CSV file.
func (e CSVExporter) Write(est ErrorEstimate) error {
	n := est.Error.Len()
	vals := make([]string, 0, 3+3*n)
	vals = append(vals, fmt.Sprintf("%f", est.Timestamp))
	for i := 0; i < n; i++ {
		twoσ := 2 * est.Sigma[i]
		vals = append(vals, fmt.Sprintf("%f", est.Error.AtVec(i)), fmt.Sprintf("%f", twoσ), fmt.Sprintf("%f", -twoσ))
	}
	vals = append(vals, fmt.Sprintf("%f", est.NEES), fmt.Sprintf("%f", est.PoseNEES))
	_, err := e.hdlr.WriteString(strings.Join(vals, e.delimiter) + "\n")
	return err
}

// WriteRawLn writes a raw line to the CSV file.
func (e CSVExporter) WriteRawLn(s string) error {
	_, err := e.hdlr.WriteString(s + "\n")
	return err
}

// Close closes the file.
func (e CSVExporter) Close() error {
	if err := e.WriteRawLn(fmt.Sprintf("# Closing date (UTC): %s", time.Now().UTC())); err != nil {
		return err
	}
	return e.hdlr.Close()
}

// Name returns the path of the file.
func (e CSVExporter) Name() string { return e.hdlr.Name() }
