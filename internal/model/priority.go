package model

import (
	"cmp"
	"fmt"
	"strings"
)

type Optional[T cmp.Ordered] struct {
	Value T
	Set   bool
}

func Some[T cmp.Ordered](v T) Optional[T] {
	return Optional[T]{Value: v, Set: true}
}

// compareOptional orders absent values before present ones.
func compareOptional[T cmp.Ordered](a, b Optional[T]) int {
	switch {
	case !a.Set && !b.Set:
		return 0
	case !a.Set:
		return -1
	case !b.Set:
		return 1
	default:
		return cmp.Compare(a.Value, b.Value)
	}
}

// Priority orders remote calls. Fields compare lexicographically, most
// significant first; a smaller priority is more urgent. The zero Priority
// precedes everything, which is what maintenance calls use.
type Priority struct {
	Database  Optional[string]
	Table     Optional[string]
	Iteration Optional[int64]
	Block     Optional[int64]
}

func (p Priority) Compare(o Priority) int {
	if c := compareOptional(p.Database, o.Database); c != 0 {
		return c
	}
	if c := compareOptional(p.Table, o.Table); c != 0 {
		return c
	}
	if c := compareOptional(p.Iteration, o.Iteration); c != 0 {
		return c
	}
	return compareOptional(p.Block, o.Block)
}

func PriorityLess(a, b Priority) bool { return a.Compare(b) < 0 }

func TablePriority(table TableID) Priority {
	return Priority{Database: Some(table.Database), Table: Some(table.Table)}
}

func IterationPriority(table TableID, iterationID int64) Priority {
	p := TablePriority(table)
	p.Iteration = Some(iterationID)
	return p
}

func BlockPriority(table TableID, iterationID, blockID int64) Priority {
	p := IterationPriority(table, iterationID)
	p.Block = Some(blockID)
	return p
}

func (p Priority) String() string {
	parts := make([]string, 0, 4)
	if p.Database.Set {
		parts = append(parts, p.Database.Value)
	}
	if p.Table.Set {
		parts = append(parts, p.Table.Value)
	}
	if p.Iteration.Set {
		parts = append(parts, fmt.Sprintf("i%d", p.Iteration.Value))
	}
	if p.Block.Set {
		parts = append(parts, fmt.Sprintf("b%d", p.Block.Value))
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, "/")
}
