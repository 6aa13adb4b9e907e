package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"mailqueue/internal/models"
)

// DefaultMaxRows caps a bulk upload when the caller passes no limit.
const DefaultMaxRows = 1000

// Row is one recipient line. Columns other than the reserved ones become
// template variables.
type Row struct {
	Line       int
	Email      string
	Subject    string
	Body       string
	TemplateID string
	Variables  models.Variables
}

// reserved column names, matched case-insensitively
const (
	colEmail    = "email"
	colSubject  = "subject"
	colBody     = "body"
	colTemplate = "template"
)

// ReadRows parses a CSV with a header row containing an Email column.
// Malformed or address-less rows are skipped; at most maxRows rows are read.
func ReadRows(r io.Reader, maxRows int) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv is empty")
		}
		return nil, err
	}

	idx := map[string]int{}
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		normalized[i] = h
		switch key := strings.ToLower(h); key {
		case colEmail, colSubject, colBody, colTemplate:
			idx[key] = i
		}
	}
	if _, ok := idx[colEmail]; !ok {
		return nil, errors.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	rows := make([]Row, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				// skip malformed row, e.g. a stray quote
				continue
			}
			return nil, fmt.Errorf("read csv: %w", err)
		}
		// physical line, so quoted multi-line fields do not shift the count
		line, _ := reader.FieldPos(0)
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		row := Row{
			Line:      line,
			Email:     strings.TrimSpace(record[idx[colEmail]]),
			Variables: models.Variables{},
		}
		if row.Email == "" {
			continue
		}

		for i, value := range record {
			value = strings.TrimSpace(value)
			switch strings.ToLower(normalized[i]) {
			case colEmail:
			case colSubject:
				row.Subject = value
			case colBody:
				row.Body = value
			case colTemplate:
				row.TemplateID = value
			case "":
			default:
				row.Variables[normalized[i]] = value
			}
		}

		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}

	return rows, nil
}

// Contents turns rows into enqueue requests. Per-row subject, body and
// template columns override base; everything else comes from base.
func Contents(rows []Row, base models.Content) []models.Content {
	out := make([]models.Content, 0, len(rows))
	for _, row := range rows {
		c := base
		c.Recipients = []string{row.Email}
		if row.Subject != "" {
			c.Subject = row.Subject
		}
		if row.Body != "" {
			c.Body = row.Body
		}
		if row.TemplateID != "" {
			c.TemplateID = row.TemplateID
		}

		vars := make(models.Variables, len(base.Variables)+len(row.Variables))
		for k, v := range base.Variables {
			vars[k] = v
		}
		for k, v := range row.Variables {
			vars[k] = v
		}
		c.Variables = vars

		out = append(out, c)
	}
	return out
}

// ParseFile reads path and builds one Content per row.
func ParseFile(path string, base models.Content, maxRows int) ([]models.Content, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := ReadRows(f, maxRows)
	if err != nil {
		return nil, err
	}
	return Contents(rows, base), nil
}
