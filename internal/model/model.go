// Package model holds the replication entities. Every entity is a value: an
// update is a modified copy that supersedes the previous snapshot once it has
// been appended to the ledger.
package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Kind string

const (
	KindActivity       Kind = "Activity"
	KindIteration      Kind = "Iteration"
	KindTempTable      Kind = "TempTable"
	KindBlock          Kind = "Block"
	KindBlobURL        Kind = "BlobUrl"
	KindExtent         Kind = "Extent"
	KindIngestionBatch Kind = "IngestionBatch"
)

// Key identifies an entity. Unused trailing parts are zero.
type Key struct {
	Activity  string
	Iteration int64
	Block     int64
	Item      string
}

func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Activity)
	if k.Iteration != 0 {
		fmt.Fprintf(&b, "/%d", k.Iteration)
	}
	if k.Block != 0 {
		fmt.Fprintf(&b, "/%d", k.Block)
	}
	if k.Item != "" {
		b.WriteString("/")
		b.WriteString(k.Item)
	}
	return b.String()
}

type Entity interface {
	Kind() Kind
	Key() Key
	StateName() string
}

type TableID struct {
	ClusterURI string `json:"clusterUri"`
	Database   string `json:"database"`
	Table      string `json:"table"`
}

func (t TableID) String() string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(t.ClusterURI, "/"), t.Database, t.Table)
}

// Same reports whether t and o name the same table. Cluster uris compare
// in their normalized form.
func (t TableID) Same(o TableID) bool {
	return NormalizeClusterURI(t.ClusterURI) == NormalizeClusterURI(o.ClusterURI) &&
		t.Database == o.Database && t.Table == o.Table
}

// NormalizeClusterURI lowercases a cluster uri and strips surrounding space
// and trailing slashes.
func NormalizeClusterURI(uri string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(uri)), "/")
}

func (t TableID) WithTable(table string) TableID {
	t.Table = table
	return t
}

func (t TableID) Validate() error {
	if strings.TrimSpace(t.Database) == "" || strings.TrimSpace(t.Table) == "" {
		return fmt.Errorf("table %q: database and table are required", t.String())
	}
	return ValidateClusterURI(t.ClusterURI)
}

func ValidateClusterURI(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("cluster uri %q: %w", raw, err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("cluster uri %q: scheme must be http or https", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("cluster uri %q: host is required", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("cluster uri %q: must not contain a path", raw)
	}
	return nil
}

type CursorRange struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end"`
}

// TimeRange is inclusive on both ends.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r TimeRange) Overlaps(o TimeRange) bool {
	return !r.End.Before(o.Start) && !o.End.Before(r.Start)
}

type ExportMode string

const (
	ExportBackfillOnly ExportMode = "backfill-only"
	ExportNewOnly      ExportMode = "new-only"
	ExportContinuous   ExportMode = "continuous"
)

func ParseExportMode(raw string) (ExportMode, error) {
	switch mode := ExportMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return ExportContinuous, nil
	case ExportBackfillOnly, ExportNewOnly, ExportContinuous:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown export mode %q", raw)
	}
}
