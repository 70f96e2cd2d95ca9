package preprocess

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// ReadCSV parses a numeric matrix with one node per row. A first row that does
// not parse as numbers is treated as a header and skipped.
func ReadCSV(r io.Reader) (*mat.Dense, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	var (
		data []float64
		rows int
		cols int
	)
	for line := 0; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		values := make([]float64, len(record))
		parseErr := error(nil)
		for j, field := range record {
			if values[j], parseErr = strconv.ParseFloat(field, 64); parseErr != nil {
				break
			}
		}
		if parseErr != nil {
			if line == 0 {
				continue
			}
			return nil, fmt.Errorf("row %d: %w", line, parseErr)
		}
		if rows == 0 {
			cols = len(values)
		}
		data = append(data, values...)
		rows++
	}
	if rows == 0 || cols == 0 {
		return nil, errors.New("no numeric rows")
	}
	return mat.NewDense(rows, cols, data), nil
}
