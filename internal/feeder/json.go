package feeder

import (
	"encoding/json"
	"fmt"
	"os"
)

// JSONFeeder reads records from a JSON file containing an array of objects.
type JSONFeeder struct {
	dataset
}

// NewJSONFeeder creates a new JSON feeder from the given file path.
// Values that are not strings are kept in their JSON text form.
func NewJSONFeeder(path string, recycle bool) (*JSONFeeder, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open JSON file: %w", err)
	}
	defer file.Close()

	var rawRecords []map[string]json.RawMessage
	if err := json.NewDecoder(file).Decode(&rawRecords); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}

	if len(rawRecords) == 0 {
		return nil, fmt.Errorf("JSON file contains empty array")
	}

	records := make([]Record, 0, len(rawRecords))
	for i, rawRecord := range rawRecords {
		if len(rawRecord) == 0 {
			return nil, fmt.Errorf("record %d is empty", i)
		}
		record := make(Record, len(rawRecord))
		for key, value := range rawRecord {
			var s string
			if err := json.Unmarshal(value, &s); err == nil {
				record[key] = s
				continue
			}
			record[key] = string(value)
		}
		records = append(records, record)
	}

	return &JSONFeeder{dataset{records: records, recycle: recycle}}, nil
}
