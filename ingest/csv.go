// Package ingest executes one scheduled run of one feed: advisory lock,
// remote stat, change detection, bounded download, CSV parse, per-row
// source-product upsert and resolve enqueue, expiry circuit breaker, and
// run finalization.
package ingest

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// ParsedRow is one recognized product row from a feed file.
type ParsedRow struct {
	RowNumber int
	Title     string
	URL       string
	Brand     string
	// Attributes is the raw opaque structured blob; the normalizer's
	// extractors search it when the title yields nothing.
	Attributes string

	UPC  string
	SKU  string
	ASIN string
	MPN  string
}

// RowError is one malformed row, recorded without aborting the parse.
type RowError struct {
	RowNumber int
	Code      string
	Message   string
	RawRow    string
}

// ParseResult carries everything the engine needs from one file.
type ParseResult struct {
	Rows      []ParsedRow
	Errors    []RowError
	RowsRead  int
	Truncated bool
}

// headerIndex maps the v1 format's recognized column aliases
// (case-insensitive) onto field indices.
type headerIndex struct {
	title, url, brand, attributes int
	upc, sku, asin, mpn           int
}

func newHeaderIndex() headerIndex {
	return headerIndex{title: -1, url: -1, brand: -1, attributes: -1, upc: -1, sku: -1, asin: -1, mpn: -1}
}

func (h *headerIndex) bind(col int, name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "name", "productname", "title":
		if h.title < 0 {
			h.title = col
		}
	case "url", "producturl", "link":
		if h.url < 0 {
			h.url = col
		}
	case "manufacturer", "brand":
		if h.brand < 0 {
			h.brand = col
		}
	case "attributes":
		if h.attributes < 0 {
			h.attributes = col
		}
	case "upc":
		h.upc = col
	case "sku":
		h.sku = col
	case "asin":
		h.asin = col
	case "mpn":
		h.mpn = col
	}
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// maxRowErrors bounds how many malformed rows a parse tolerates before the
// whole file is declared unparseable.
const maxRowErrors = 1000

// ParseCSV reads a v1 feed file: UTF-8 comma-delimited CSV with a header
// row, optionally gzip-wrapped. Malformed rows are recorded and skipped;
// parsing stops early once maxRows rows have been read (Truncated is set)
// or maxRowErrors malformed rows have accumulated.
func ParseCSV(data []byte, gzipped bool, maxRows int) (*ParseResult, error) {
	var src io.Reader = bytes.NewReader(data)
	if gzipped {
		gz, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header row: %w", err)
	}
	idx := newHeaderIndex()
	for col, name := range header {
		idx.bind(col, name)
	}
	if idx.title < 0 || idx.url < 0 {
		return nil, fmt.Errorf("header is missing a recognized title or url column")
	}

	result := &ParseResult{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		result.RowsRead++
		rowNum := result.RowsRead + 1 // 1-based, header is row 1

		if err != nil {
			result.Errors = append(result.Errors, RowError{
				RowNumber: rowNum,
				Code:      "MALFORMED_ROW",
				Message:   err.Error(),
			})
			if len(result.Errors) >= maxRowErrors {
				return result, fmt.Errorf("too many malformed rows (%d)", len(result.Errors))
			}
			continue
		}

		row := ParsedRow{
			RowNumber:  rowNum,
			Title:      field(record, idx.title),
			URL:        field(record, idx.url),
			Brand:      field(record, idx.brand),
			Attributes: field(record, idx.attributes),
			UPC:        field(record, idx.upc),
			SKU:        field(record, idx.sku),
			ASIN:       field(record, idx.asin),
			MPN:        field(record, idx.mpn),
		}
		if row.Title == "" || row.URL == "" {
			result.Errors = append(result.Errors, RowError{
				RowNumber: rowNum,
				Code:      "MISSING_REQUIRED_FIELD",
				Message:   "row has no title or url",
				RawRow:    strings.Join(record, ","),
			})
			if len(result.Errors) >= maxRowErrors {
				return result, fmt.Errorf("too many malformed rows (%d)", len(result.Errors))
			}
			continue
		}

		result.Rows = append(result.Rows, row)
		if maxRows > 0 && result.RowsRead >= maxRows {
			result.Truncated = true
			break
		}
	}

	return result, nil
}

// StableKey returns the identity of a row within its source: the retailer
// SKU when present, else a hash of the normalized URL. The bool reports
// whether the URL-hash fallback was taken.
func StableKey(row ParsedRow) (string, bool) {
	if row.SKU != "" {
		return "SKU:" + row.SKU, false
	}
	sum := sha256.Sum256([]byte(NormalizeURL(row.URL)))
	return "URL:" + hex.EncodeToString(sum[:])[:32], true
}

// NormalizeURL strips the scheme, query, and fragment so tracking-parameter
// churn doesn't change a row's identity between ingests.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	for _, prefix := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, prefix)
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, "/")
}
