package litedb

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Rows, schemas and sequences are stored as JSON. Numbers are decoded
// through json.Number and normalized back to int64 where they are integral,
// so values round-trip with their SQL types intact.

func encodeRow(row []any) ([]byte, error) {
	return json.Marshal(row)
}

func decodeRow(data []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row []any
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("litedb: decoding row: %w", err)
	}
	for i, v := range row {
		if n, ok := v.(json.Number); ok {
			row[i] = normalizeNumber(n)
		}
	}
	return row, nil
}

func normalizeNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, err := n.Float64()
	if err != nil {
		return n.String()
	}
	return f
}

func encodeStrings(s []string) ([]byte, error) {
	return json.Marshal(s)
}

func decodeStrings(data []byte) ([]string, error) {
	var s []string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("litedb: decoding schema: %w", err)
	}
	return s, nil
}

func encodeInt(v int64) ([]byte, error) {
	return json.Marshal(v)
}

func decodeInt(data []byte) (int64, error) {
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, fmt.Errorf("litedb: decoding sequence: %w", err)
	}
	return v, nil
}
