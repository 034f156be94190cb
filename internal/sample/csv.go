package sample

import (
	"encoding/csv"
	"fmt"
	"os"
)

// CSV is a tabular provider. With a header row, each item is a
// map[string]any keyed by column name; without one, each item is a
// []any of column values in file order.
type CSV struct {
	name string
	rows []any
}

// CSVOptions control how a file is parsed.
type CSVOptions struct {
	Header    bool
	Delimiter rune // zero means comma
}

// LoadCSV reads and materializes the whole file.
func LoadCSV(name, path string, opts CSVOptions) (*CSV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sample %q: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse sample %q: %w", name, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("sample %q: file %s is empty", name, path)
	}

	var rows []any
	if opts.Header {
		header := records[0]
		for _, rec := range records[1:] {
			row := make(map[string]any, len(header))
			for i, col := range header {
				if i < len(rec) {
					row[col] = rec[i]
				}
			}
			rows = append(rows, row)
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("sample %q: file %s has a header but no rows", name, path)
		}
	} else {
		for _, rec := range records {
			row := make([]any, len(rec))
			for i, v := range rec {
				row[i] = v
			}
			rows = append(rows, row)
		}
	}

	return &CSV{name: name, rows: rows}, nil
}

// Name implements Provider.
func (c *CSV) Name() string { return c.name }

// Len implements Provider.
func (c *CSV) Len() int { return len(c.rows) }

// Values implements Provider.
func (c *CSV) Values() []any { return c.rows }
