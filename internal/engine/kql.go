package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func quoteString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)
	return `"` + r.Replace(s) + `"`
}

func quoteName(s string) string {
	return "['" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "']"
}

// hiddenString marks a literal the service must not log, for storage urls.
func hiddenString(s string) string {
	return "h" + quoteString(s)
}

func datetime(t time.Time) string {
	return "datetime(" + t.UTC().Format(time.RFC3339Nano) + ")"
}

func quoteList(items []string, quote func(string) string) string {
	quoted := make([]string, 0, len(items))
	for _, item := range items {
		quoted = append(quoted, quote(item))
	}
	return strings.Join(quoted, ", ")
}

func cursorClause(c cursorBounds) string {
	var parts []string
	if c.start != "" {
		parts = append(parts, "cursor_after("+quoteString(c.start)+")")
	}
	if c.end != "" {
		parts = append(parts, "cursor_before_or_at("+quoteString(c.end)+")")
	}
	if len(parts) == 0 {
		return ""
	}
	return "| where " + strings.Join(parts, " and ")
}

type cursorBounds struct {
	start string
	end   string
}

func filterClause(filter string) string {
	if strings.TrimSpace(filter) == "" {
		return ""
	}
	return "| where " + filter
}

// v1 response: {"Tables":[{"TableName":..., "Columns":[...], "Rows":[[...]]}]}
type v1Response struct {
	Tables []v1Table `json:"Tables"`
}

type v1Column struct {
	ColumnName string `json:"ColumnName"`
	DataType   string `json:"DataType"`
}

type v1Table struct {
	TableName string              `json:"TableName"`
	Columns   []v1Column          `json:"Columns"`
	Rows      [][]json.RawMessage `json:"Rows"`
}

// resultTable is the first table of a response with columns looked up by name.
type resultTable struct {
	index map[string]int
	rows  [][]json.RawMessage
}

func firstTable(resp v1Response) (resultTable, error) {
	if len(resp.Tables) == 0 {
		return resultTable{}, fmt.Errorf("%w: no result tables", ErrBadResponse)
	}
	t := resp.Tables[0]
	index := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		index[c.ColumnName] = i
	}
	return resultTable{index: index, rows: t.Rows}, nil
}

func (t resultTable) cell(row int, column string) (json.RawMessage, error) {
	i, ok := t.index[column]
	if !ok {
		return nil, fmt.Errorf("%w: missing column %q", ErrBadResponse, column)
	}
	if i >= len(t.rows[row]) {
		return nil, fmt.Errorf("%w: short row %d", ErrBadResponse, row)
	}
	return t.rows[row][i], nil
}

func (t resultTable) String(row int, column string) (string, error) {
	raw, err := t.cell(row, column)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: column %q: %v", ErrBadResponse, column, err)
	}
	return s, nil
}

func (t resultTable) Int(row int, column string) (int64, error) {
	raw, err := t.cell(row, column)
	if err != nil {
		return 0, err
	}
	text := strings.Trim(string(raw), `"`)
	if text == "null" || text == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(text, 64)
		if ferr != nil {
			return 0, fmt.Errorf("%w: column %q: %v", ErrBadResponse, column, err)
		}
		n = int64(f)
	}
	return n, nil
}

func (t resultTable) Bool(row int, column string) (bool, error) {
	raw, err := t.cell(row, column)
	if err != nil {
		return false, err
	}
	switch strings.Trim(strings.ToLower(string(raw)), `"`) {
	case "true", "1":
		return true, nil
	default:
		return false, nil
	}
}

func (t resultTable) Time(row int, column string) (time.Time, error) {
	s, err := t.String(row, column)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: column %q: %v", ErrBadResponse, column, err)
	}
	return ts, nil
}

func (t resultTable) Len() int { return len(t.rows) }
