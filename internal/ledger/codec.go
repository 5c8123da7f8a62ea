package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/agentworkforce/tablerelay/internal/model"
)

const (
	FormatVersion = "1"

	versionRecordType = "Version"
	columnCount       = 8
)

func versionRow(now time.Time) []string {
	return []string{versionRecordType, now.UTC().Format(time.RFC3339Nano), "", "", "", "", FormatVersion, ""}
}

func encodeRow(r Record) []string {
	return []string{
		string(r.Type),
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.Activity,
		formatID(r.Iteration),
		formatID(r.Block),
		r.Item,
		r.State,
		string(r.Payload),
	}
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func parseID(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// encodeRows renders each record as its own CSV line so lines can be split
// across appends without re-encoding.
func encodeRows(records []Record) ([][]byte, error) {
	out := make([][]byte, 0, len(records))
	var buf bytes.Buffer
	for _, r := range records {
		buf.Reset()
		w := csv.NewWriter(&buf)
		if err := w.Write(encodeRow(r)); err != nil {
			return nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		out = append(out, bytes.Clone(buf.Bytes()))
	}
	return out, nil
}

func encodeGeneration(now time.Time, records []Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(versionRow(now)); err != nil {
		return nil, err
	}
	for _, r := range records {
		if err := w.Write(encodeRow(r)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// completeRows returns the length of data up to and including its last
// newline. Anything after it is a row whose append never finished.
func completeRows(data []byte) int {
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return len(data)
	}
	return bytes.LastIndexByte(data, '\n') + 1
}

// decode parses a ledger generation. The first row must be a version marker
// this build understands. A partial final row is ignored.
func decode(data []byte) ([]Record, error) {
	data = data[:completeRows(data)]
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = columnCount
	r.ReuseRecord = true

	first, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: missing version marker", ErrCorrupt)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if first[0] != versionRecordType {
		return nil, fmt.Errorf("%w: first row is %q, not a version marker", ErrCorrupt, first[0])
	}
	if first[6] != FormatVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, first[6])
	}

	var records []Record
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		rec, err := decodeRow(row)
		if err != nil {
			line, _ := r.FieldPos(0)
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorrupt, line, err)
		}
		records = append(records, rec)
	}
}

func decodeRow(row []string) (Record, error) {
	ts, err := time.Parse(time.RFC3339Nano, row[1])
	if err != nil {
		return Record{}, err
	}
	iteration, err := parseID(row[3])
	if err != nil {
		return Record{}, err
	}
	block, err := parseID(row[4])
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Type:      model.Kind(row[0]),
		Timestamp: ts,
		Activity:  row[2],
		Iteration: iteration,
		Block:     block,
		Item:      row[5],
		State:     row[6],
	}
	if row[7] != "" {
		rec.Payload = []byte(row[7])
	}
	return rec, nil
}
