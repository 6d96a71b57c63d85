// Package simulation owns the simulation data files: parsing payment
// records from CSV, deriving the network aggregate, and swapping the
// currently loaded session atomically under concurrent readers.
package simulation

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/errors"
)

// Record is a single payment from a simulation run. Field names follow
// the columns the simulator writes; columns we do not use are ignored.
type Record struct {
	Timestamp string  `json:"timestamp"`
	Type      string  `json:"type,omitempty"`
	Sender    string  `json:"sender"`
	Receiver  string  `json:"receiver"`
	Amount    float64 `json:"amount"`
	Fee       float64 `json:"fee,omitempty"`
	Success   bool    `json:"success"`
}

// ParseRecords reads simulation CSV data. The first row must be a
// header naming at least sender, receiver and amount columns. Rows that
// cannot be parsed at all are dropped; rows with missing endpoints are
// kept (the aggregate skips them later, raw replay still includes them).
func ParseRecords(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // simulator versions differ in column count

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.ValidationError("file is empty")
	}
	if err != nil {
		return nil, errors.ValidationError("unreadable CSV header").WithContext("cause", err.Error())
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range []string{"sender", "receiver", "amount"} {
		if _, ok := col[required]; !ok {
			return nil, errors.ValidationError(fmt.Sprintf("header is missing %q column", required))
		}
	}

	var records []Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A torn row mid-file usually means the writer is still
			// appending; keep what parsed so far.
			break
		}

		rec := Record{
			Timestamp: field(row, col, "timestamp"),
			Type:      field(row, col, "type"),
			Sender:    field(row, col, "sender"),
			Receiver:  field(row, col, "receiver"),
			Success:   parseBool(field(row, col, "success")),
		}
		rec.Amount, _ = strconv.ParseFloat(field(row, col, "amount"), 64)
		rec.Fee, _ = strconv.ParseFloat(field(row, col, "fee"), 64)
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, errors.ValidationError("file has a header but no records")
	}

	return records, nil
}

func field(row []string, col map[string]int, name string) string {
	i, ok := col[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "succeeded", "success":
		return true
	}
	return false
}
