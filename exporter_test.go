package srvins

import (
	"os"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestImplementsExporter(t *testing.T) {
	implements := func(Exporter) {}
	implements(new(CSVExporter))
}

func TestCSVExportFail(t *testing.T) {
	_, err := NewCSVExporter("/noNoNoNo/", "temp.csv")
	if err == nil {
		t.Fatal("no issue when trying to create a file in a missing directory")
	}
}

func TestCSVExport(t *testing.T) {
	ce, err := NewCSVExporter(t.TempDir(), "temp.csv")
	if err != nil {
		t.Fatalf("could not create file %s", err)
	}
	σ := make([]float64, ImuDim)
	for i := range σ {
		σ[i] = 0.5
	}
	est := ErrorEstimate{Timestamp: 1.5, Error: mat.NewVecDense(ImuDim, nil), Sigma: σ, NEES: 12.5, PoseNEES: 4}
	est.Error.SetVec(3, 0.25)
	if err := ce.Write(est); err != nil {
		t.Fatalf("could not write estimate to file %s", err)
	}
	if err := ce.Close(); err != nil {
		t.Fatalf("could not close file %s", err)
	}

	data, err := os.ReadFile(ce.Name())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d:\n%s", len(lines), data)
	}
	hdr := strings.Split(lines[1], ",")
	row := strings.Split(lines[2], ",")
	if len(hdr) != 3+3*ImuDim || len(row) != len(hdr) {
		t.Fatalf("header has %d columns, row has %d", len(hdr), len(row))
	}
	if hdr[10] != "p_x" || row[10] != "0.250000" || row[11] != "1.000000" || row[12] != "-1.000000" {
		t.Fatalf("unexpected p_x columns: %v / %v", hdr[10:13], row[10:13])
	}
	if row[len(row)-2] != "12.500000" || hdr[len(hdr)-1] != "pose_nees" {
		t.Fatalf("unexpected NEES columns: %v / %v", hdr[len(hdr)-2:], row[len(row)-2:])
	}
	if !strings.HasPrefix(lines[0], "#") || !strings.HasPrefix(lines[3], "#") {
		t.Fatal("missing creation or closing comment")
	}
}
