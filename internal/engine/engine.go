// Package engine is the client side of the remote data engine: the handful
// of queries and control commands replication needs from a cluster.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/agentworkforce/tablerelay/internal/model"
)

// Sample is one bucket of the record distribution: rows ingested at one
// instant into one extent.
type Sample struct {
	IngestionTime time.Time
	ExtentID      string
	RowCount      int64
}

type DistributionRequest struct {
	Table  model.TableID
	Filter string
	Cursor model.CursorRange
	// After restricts samples to ingestion times strictly after it.
	After      *time.Time
	MaxSamples int
}

type ExportRequest struct {
	StorageRoots  []string
	Table         model.TableID
	Filter        string
	Cursor        model.CursorRange
	IngestionTime model.TimeRange
	NamePrefix    string
}

type IngestRequest struct {
	Table        model.TableID
	BlobURLs     []string
	Tag          string
	CreationTime time.Time
}

const (
	OperationInProgress = "InProgress"
	OperationCompleted  = "Completed"
	OperationFailed     = "Failed"
	OperationAbandoned  = "Abandoned"
	OperationCanceled   = "Canceled"
	OperationThrottled  = "Throttled"
)

type OperationStatus struct {
	OperationID string
	State       string
	Status      string
	ShouldRetry bool
}

func (s OperationStatus) Done() bool {
	return s.State != OperationInProgress && s.State != ""
}

func (s OperationStatus) Succeeded() bool { return s.State == OperationCompleted }

type ExportedBlob struct {
	URL      string
	RowCount int64
}

type ExtentRowCount struct {
	ExtentID string
	Tag      string
	RowCount int64
}

// Capacity is the concurrency budget the cluster reports per workload.
type Capacity struct {
	Queries    int
	Commands   int
	Exports    int
	Ingestions int
}

type Client interface {
	CurrentCursor(ctx context.Context, database string) (string, error)
	RecordDistribution(ctx context.Context, req DistributionRequest) ([]Sample, error)
	ExtentCreationTimes(ctx context.Context, table model.TableID, extentIDs []string) (map[string]time.Time, error)
	ExportBlock(ctx context.Context, req ExportRequest) (string, error)
	ShowOperations(ctx context.Context, database string, operationIDs []string) ([]OperationStatus, error)
	ShowExportDetails(ctx context.Context, database, operationID string) ([]ExportedBlob, error)
	QueueIngest(ctx context.Context, req IngestRequest) (string, error)
	ExtentRowCounts(ctx context.Context, table model.TableID, tags []string) ([]ExtentRowCount, error)
	MoveExtents(ctx context.Context, from, to model.TableID, extentIDs []string) (int64, error)
	DropTableIfExists(ctx context.Context, table model.TableID) error
	CreateTempTable(ctx context.Context, template, temp model.TableID) error
	Capacity(ctx context.Context) (Capacity, error)
}

var ErrBadResponse = errors.New("unexpected engine response")

// Error is a failed engine call. Transient errors are worth retrying.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Transient  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: http %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a throttling, server-side or network
// failure that may succeed on retry.
func IsTransient(err error) bool {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Transient
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.RetryAfter
	}
	return 0
}
