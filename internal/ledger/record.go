package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentworkforce/tablerelay/internal/model"
)

// Record is one row of the ledger: a full snapshot of one entity.
type Record struct {
	Type      model.Kind
	Timestamp time.Time
	Activity  string
	Iteration int64
	Block     int64
	Item      string
	State     string
	Payload   json.RawMessage
}

func (r Record) Key() model.Key {
	return model.Key{Activity: r.Activity, Iteration: r.Iteration, Block: r.Block, Item: r.Item}
}

func FromEntity(e model.Entity) (Record, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s %s: %w", e.Kind(), e.Key(), err)
	}
	k := e.Key()
	return Record{
		Type:      e.Kind(),
		Activity:  k.Activity,
		Iteration: k.Iteration,
		Block:     k.Block,
		Item:      k.Item,
		State:     e.StateName(),
		Payload:   payload,
	}, nil
}

// Records converts entities, failing on the first that cannot be encoded.
func Records(entities ...model.Entity) ([]Record, error) {
	out := make([]Record, 0, len(entities))
	for _, e := range entities {
		r, err := FromEntity(e)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (r Record) Entity() (model.Entity, error) {
	switch r.Type {
	case model.KindActivity:
		var a model.Activity
		if err := r.decode(&a); err != nil {
			return nil, err
		}
		a.Name = r.Activity
		a.State = model.ActivityState(r.State)
		return a, nil
	case model.KindIteration:
		var it model.Iteration
		if err := r.decode(&it); err != nil {
			return nil, err
		}
		it.ActivityName, it.IterationID = r.Activity, r.Iteration
		it.State = model.IterationState(r.State)
		return it, nil
	case model.KindTempTable:
		var t model.TempTable
		if err := r.decode(&t); err != nil {
			return nil, err
		}
		t.ActivityName, t.IterationID = r.Activity, r.Iteration
		t.State = model.TempTableState(r.State)
		return t, nil
	case model.KindBlock:
		var b model.Block
		if err := r.decode(&b); err != nil {
			return nil, err
		}
		b.ActivityName, b.IterationID, b.BlockID = r.Activity, r.Iteration, r.Block
		b.State = model.BlockState(r.State)
		if !b.State.Valid() {
			return nil, fmt.Errorf("block %s: unknown state %q", r.Key(), r.State)
		}
		return b, nil
	case model.KindBlobURL:
		var u model.BlobURL
		if err := r.decode(&u); err != nil {
			return nil, err
		}
		u.ActivityName, u.IterationID, u.BlockID, u.URL = r.Activity, r.Iteration, r.Block, r.Item
		return u, nil
	case model.KindExtent:
		var e model.Extent
		if err := r.decode(&e); err != nil {
			return nil, err
		}
		e.ActivityName, e.IterationID, e.BlockID, e.ExtentID = r.Activity, r.Iteration, r.Block, r.Item
		return e, nil
	case model.KindIngestionBatch:
		var b model.IngestionBatch
		if err := r.decode(&b); err != nil {
			return nil, err
		}
		b.ActivityName, b.IterationID, b.BlockID, b.OperationID = r.Activity, r.Iteration, r.Block, r.Item
		return b, nil
	default:
		return nil, fmt.Errorf("%w: record type %q", ErrCorrupt, r.Type)
	}
}

func (r Record) decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("%w: %s %s payload: %v", ErrCorrupt, r.Type, r.Key(), err)
	}
	return nil
}
