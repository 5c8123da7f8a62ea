package model

import "time"

type ActivityState string

const (
	ActivityActive    ActivityState = "Active"
	ActivityCompleted ActivityState = "Completed"
)

type Activity struct {
	Name        string        `json:"-"`
	State       ActivityState `json:"-"`
	Source      TableID       `json:"source"`
	Destination TableID       `json:"destination"`
	Mode        ExportMode    `json:"mode"`
	Filter      string        `json:"filter,omitempty"`
}

func (a Activity) Kind() Kind        { return KindActivity }
func (a Activity) Key() Key          { return Key{Activity: a.Name} }
func (a Activity) StateName() string { return string(a.State) }

func (a Activity) WithState(state ActivityState) Activity {
	a.State = state
	return a
}

type IterationState string

const (
	IterationStarting  IterationState = "Starting"
	IterationPlanning  IterationState = "Planning"
	IterationPlanned   IterationState = "Planned"
	IterationCompleted IterationState = "Completed"
)

type Iteration struct {
	ActivityName string         `json:"-"`
	IterationID  int64          `json:"-"`
	State        IterationState `json:"-"`
	Cursor       CursorRange    `json:"cursor"`
	// LastPlannedTime is the ingestion time of the last sample folded into a
	// planned block; planning resumes strictly after it.
	LastPlannedTime *time.Time `json:"lastPlannedTime,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func (i Iteration) Kind() Kind        { return KindIteration }
func (i Iteration) Key() Key          { return Key{Activity: i.ActivityName, Iteration: i.IterationID} }
func (i Iteration) StateName() string { return string(i.State) }

func (i Iteration) WithState(state IterationState) Iteration {
	i.State = state
	return i
}

func (i Iteration) WithLastPlanned(t time.Time) Iteration {
	i.LastPlannedTime = &t
	return i
}

type TempTableState string

const (
	TempTableRequired TempTableState = "Required"
	TempTableCreating TempTableState = "Creating"
	TempTableCreated  TempTableState = "Created"
)

type TempTable struct {
	ActivityName string         `json:"-"`
	IterationID  int64          `json:"-"`
	State        TempTableState `json:"-"`
	Name         string         `json:"name"`
}

func (t TempTable) Kind() Kind        { return KindTempTable }
func (t TempTable) Key() Key          { return Key{Activity: t.ActivityName, Iteration: t.IterationID} }
func (t TempTable) StateName() string { return string(t.State) }

func (t TempTable) WithState(state TempTableState) TempTable {
	t.State = state
	return t
}

type BlockState string

const (
	BlockPlanned     BlockState = "Planned"
	BlockExporting   BlockState = "Exporting"
	BlockExported    BlockState = "Exported"
	BlockQueued      BlockState = "Queued"
	BlockIngested    BlockState = "Ingested"
	BlockExtentMoved BlockState = "ExtentMoved"
)

var blockStateRank = map[BlockState]int{
	BlockPlanned:     0,
	BlockExporting:   1,
	BlockExported:    2,
	BlockQueued:      3,
	BlockIngested:    4,
	BlockExtentMoved: 5,
}

// Rank orders block states along the pipeline; unknown states rank -1.
func (s BlockState) Rank() int {
	if r, ok := blockStateRank[s]; ok {
		return r
	}
	return -1
}

func (s BlockState) Valid() bool { return s.Rank() >= 0 }

type Block struct {
	ActivityName       string     `json:"-"`
	IterationID        int64      `json:"-"`
	BlockID            int64      `json:"-"`
	State              BlockState `json:"-"`
	IngestionTime      TimeRange  `json:"ingestionTime"`
	ExtentCreationTime time.Time  `json:"extentCreationTime"`
	PlannedRowCount    int64      `json:"plannedRowCount"`
	ExportedRowCount   int64      `json:"exportedRowCount,omitempty"`
	ExportOperationID  string     `json:"exportOperationId,omitempty"`
	BlockTag           string     `json:"blockTag,omitempty"`
	ReplannedCount     int        `json:"replannedCount,omitempty"`
}

func (b Block) Kind() Kind { return KindBlock }
func (b Block) Key() Key {
	return Key{Activity: b.ActivityName, Iteration: b.IterationID, Block: b.BlockID}
}
func (b Block) StateName() string { return string(b.State) }

func (b Block) Exporting(operationID string) Block {
	b.State = BlockExporting
	b.ExportOperationID = operationID
	return b
}

func (b Block) Exported(rowCount int64) Block {
	b.State = BlockExported
	b.ExportedRowCount = rowCount
	return b
}

func (b Block) Queued(tag string) Block {
	b.State = BlockQueued
	b.BlockTag = tag
	return b
}

func (b Block) WithState(state BlockState) Block {
	b.State = state
	return b
}

// Reprocess rolls the block back to Planned, clearing everything the export
// and ingestion stages attached to it.
func (b Block) Reprocess() Block {
	b.State = BlockPlanned
	b.ExportOperationID = ""
	b.ExportedRowCount = 0
	b.BlockTag = ""
	b.ReplannedCount++
	return b
}

type BlobURL struct {
	ActivityName string `json:"-"`
	IterationID  int64  `json:"-"`
	BlockID      int64  `json:"-"`
	URL          string `json:"-"`
	RowCount     int64  `json:"rowCount"`
}

func (u BlobURL) Kind() Kind { return KindBlobURL }
func (u BlobURL) Key() Key {
	return Key{Activity: u.ActivityName, Iteration: u.IterationID, Block: u.BlockID, Item: u.URL}
}
func (u BlobURL) StateName() string { return "" }

type Extent struct {
	ActivityName string `json:"-"`
	IterationID  int64  `json:"-"`
	BlockID      int64  `json:"-"`
	ExtentID     string `json:"-"`
	RowCount     int64  `json:"rowCount"`
}

func (e Extent) Kind() Kind { return KindExtent }
func (e Extent) Key() Key {
	return Key{Activity: e.ActivityName, Iteration: e.IterationID, Block: e.BlockID, Item: e.ExtentID}
}
func (e Extent) StateName() string { return "" }

type IngestionBatch struct {
	ActivityName string `json:"-"`
	IterationID  int64  `json:"-"`
	BlockID      int64  `json:"-"`
	OperationID  string `json:"-"`
	URLCount     int    `json:"urlCount"`
}

func (b IngestionBatch) Kind() Kind { return KindIngestionBatch }
func (b IngestionBatch) Key() Key {
	return Key{Activity: b.ActivityName, Iteration: b.IterationID, Block: b.BlockID, Item: b.OperationID}
}
func (b IngestionBatch) StateName() string { return "" }

// BlockKey returns the key of the block that owns a child key.
func BlockKey(k Key) Key {
	return Key{Activity: k.Activity, Iteration: k.Iteration, Block: k.Block}
}
