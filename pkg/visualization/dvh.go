package visualization

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"rtplan/pkg/histogram"
)

// Curve names the histogram of one structure
type Curve struct {
	Name      string
	Histogram *histogram.Histogram
}

// WriteDVH writes cumulative dose volume histograms as CSV: one row per
// bin node, the dose in the first column and the volume fraction of each
// curve at or above it in the following ones. All curves must share the
// binning of the first.
func WriteDVH(w io.Writer, curves []Curve) error {
	if len(curves) == 0 {
		return fmt.Errorf("no curves to write")
	}
	ref := curves[0].Histogram
	header := []string{"dose"}
	cums := make([][]float64, len(curves))
	for i, c := range curves {
		h := c.Histogram
		if h.BinCount() != ref.BinCount() || h.BinWidth() != ref.BinWidth() || h.BinMin() != ref.BinMin() {
			return fmt.Errorf("curve %s: %w", c.Name, histogram.ErrBinningMismatch)
		}
		header = append(header, c.Name)

		cum := append([]float64(nil), h.CumBins()...)
		if vol := h.Volume(); vol > 0 {
			for j := range cum {
				cum[j] /= vol
			}
		}
		cums[i] = cum
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(header))
	for n := 0; n < ref.BinCount(); n++ {
		row[0] = strconv.FormatFloat(ref.BinValue(n), 'f', 4, 64)
		for i := range cums {
			row[i+1] = strconv.FormatFloat(cums[i][n], 'f', 6, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveDVH writes the curves to a CSV file
func SaveDVH(path string, curves []Curve) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteDVH(file, curves); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return file.Close()
}
