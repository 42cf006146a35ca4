package access

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ReadCSV parses candidate rows. A header row naming an "email" column
// (and optionally "name") is honored; without one the first column is the
// email and the second the name. Blank lines are skipped.
func ReadCSV(r io.Reader) ([]Identity, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	emailCol, nameCol := 0, 1
	var rows []Identity
	first := true

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		if blank(record) {
			continue
		}

		if first {
			first = false
			if e, n, ok := header(record); ok {
				emailCol, nameCol = e, n
				continue
			}
		}

		rows = append(rows, Identity{
			Email: field(record, emailCol),
			Name:  field(record, nameCol),
		})
	}
	return rows, nil
}

func header(record []string) (emailCol, nameCol int, ok bool) {
	emailCol, nameCol = -1, -1
	for i, h := range record {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "email", "e-mail", "email address":
			emailCol = i
		case "name", "full name":
			nameCol = i
		}
	}
	return emailCol, nameCol, emailCol >= 0
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
