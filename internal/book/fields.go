package book

import (
	json "github.com/goccy/go-json"
)

// FieldSet is the merged state of a scalar-field feed (tickers and the
// like). Deltas carry only the fields that changed; merged state always
// holds the full set.
type FieldSet map[string]json.RawMessage

// FieldUpdate is a decoded scalar-field message.
type FieldUpdate struct {
	Type   UpdateType
	Fields FieldSet
}

// apply merges an update into the set. Snapshots replace wholesale, deltas
// overwrite only the fields present in the payload.
func (f FieldSet) apply(u FieldUpdate) FieldSet {
	if u.Type == Snapshot {
		out := make(FieldSet, len(u.Fields))
		for k, v := range u.Fields {
			out[k] = v
		}
		return out
	}
	for k, v := range u.Fields {
		f[k] = v
	}
	return f
}

// DecodeFields parses a JSON object payload into a FieldSet.
func DecodeFields(payload []byte) (FieldSet, error) {
	var f FieldSet
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	return f, nil
}
