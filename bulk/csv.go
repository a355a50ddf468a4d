package bulk

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/sfsync/sfsync/model"
)

// decodeCSV parses one result page. The first record is the header; every
// following record becomes a Row keyed by header name.
func decodeCSV(page []byte) ([]model.Row, error) {
	reader := csv.NewReader(bytes.NewReader(page))
	reader.ReuseRecord = false
	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading result header: %w", err)
	}
	var rows []model.Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading result record: %w", err)
		}
		row := make(model.Row, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
