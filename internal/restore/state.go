package restore

import (
	"fmt"
	"slices"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
)

// State is a materialized budget: entity type, then entity ID, then fields.
// The engine treats entity types and fields as opaque.
type State map[string]map[string]record.Object

// NewState returns an empty state.
func NewState() State {
	return State{}
}

// Entity returns the fields of one entity.
func (s State) Entity(entityType, entityID string) (record.Object, bool) {
	obj, ok := s[entityType][entityID]
	return obj, ok
}

// Len returns the number of entities across all types.
func (s State) Len() int {
	n := 0
	for _, byID := range s {
		n += len(byID)
	}
	return n
}

// Apply mutates s by one change.
//
// Null field values mean "absent": an add drops them and a modify whose To
// is Null removes the field. Modifying a missing entity creates it, and
// deleting a missing entity is a no-op, so replay never stops on changes
// recorded against state the engine did not see.
func (s State) Apply(ch record.Change) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	switch ch.Type {
	case record.ChangeAdd:
		obj := make(record.Object, len(ch.Data))
		for k, v := range ch.Data {
			if !isAbsent(v) {
				obj[k] = record.CloneValue(v)
			}
		}
		s.put(ch.EntityType, ch.EntityID, obj)

	case record.ChangeModify:
		obj, ok := s.Entity(ch.EntityType, ch.EntityID)
		if !ok {
			obj = record.Object{}
			s.put(ch.EntityType, ch.EntityID, obj)
		}
		for field, d := range ch.Diff {
			if isAbsent(d.To) {
				delete(obj, field)
			} else {
				obj[field] = record.CloneValue(d.To)
			}
		}

	case record.ChangeDelete:
		if byID, ok := s[ch.EntityType]; ok {
			delete(byID, ch.EntityID)
			if len(byID) == 0 {
				delete(s, ch.EntityType)
			}
		}

	default:
		return fmt.Errorf("unknown change type %q", ch.Type)
	}
	return nil
}

// ApplyAll applies changes in order.
func (s State) ApplyAll(changes []record.Change) error {
	for i, ch := range changes {
		if err := s.Apply(ch); err != nil {
			return fmt.Errorf("change[%d] %s %s/%s: %w", i, ch.Type, ch.EntityType, ch.EntityID, err)
		}
	}
	return nil
}

func (s State) put(entityType, entityID string, obj record.Object) {
	byID, ok := s[entityType]
	if !ok {
		byID = make(map[string]record.Object)
		s[entityType] = byID
	}
	byID[entityID] = obj
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := make(State, len(s))
	for typ, byID := range s {
		cp := make(map[string]record.Object, len(byID))
		for id, obj := range byID {
			cp[id] = obj.Clone()
		}
		out[typ] = cp
	}
	return out
}

// Equal reports whether two states hold the same entities with the same
// fields.
func (s State) Equal(other State) bool {
	return record.Equal(s.toObject(), other.toObject())
}

func (s State) toObject() record.Object {
	out := make(record.Object, len(s))
	for typ, byID := range s {
		if len(byID) == 0 {
			continue
		}
		inner := make(record.Object, len(byID))
		for id, obj := range byID {
			inner[id] = obj
		}
		out[typ] = inner
	}
	return out
}

// MarshalCanonical encodes the state as canonical JSON.
func (s State) MarshalCanonical() ([]byte, error) {
	data, err := record.MarshalCanonical(s.toObject())
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

// DecodeState is the inverse of State.MarshalCanonical.
func DecodeState(data []byte) (State, error) {
	v, err := record.UnmarshalValue(data)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	root, ok := v.(record.Object)
	if !ok {
		return nil, fmt.Errorf("decode state: expected object, got %T", v)
	}
	s := NewState()
	for typ, raw := range root {
		byID, ok := raw.(record.Object)
		if !ok {
			return nil, fmt.Errorf("decode state: %q must be an object, got %T", typ, raw)
		}
		for id, fields := range byID {
			obj, ok := fields.(record.Object)
			if !ok {
				return nil, fmt.Errorf("decode state: %s/%s must be an object, got %T", typ, id, fields)
			}
			s.put(typ, id, obj)
		}
	}
	return s, nil
}

// Diff returns the changes that turn from into to, in a deterministic order.
// Deletes carry the removed entity so that the change can itself be undone.
func Diff(from, to State) []record.Change {
	types := make(map[string]struct{}, len(from)+len(to))
	for typ := range from {
		types[typ] = struct{}{}
	}
	for typ := range to {
		types[typ] = struct{}{}
	}

	changes := []record.Change{}
	for _, typ := range sortedKeys(types) {
		ids := make(map[string]struct{})
		for id := range from[typ] {
			ids[id] = struct{}{}
		}
		for id := range to[typ] {
			ids[id] = struct{}{}
		}
		for _, id := range sortedKeys(ids) {
			before, had := from[typ][id]
			after, has := to[typ][id]
			switch {
			case had && !has:
				changes = append(changes, record.Change{
					Type: record.ChangeDelete, EntityType: typ, EntityID: id, Data: before.Clone(),
				})
			case !had && has:
				changes = append(changes, record.Change{
					Type: record.ChangeAdd, EntityType: typ, EntityID: id, Data: after.Clone(),
				})
			case had && has:
				if diff := fieldDiff(before, after); len(diff) > 0 {
					changes = append(changes, record.Change{
						Type: record.ChangeModify, EntityType: typ, EntityID: id, Diff: diff,
					})
				}
			}
		}
	}
	return changes
}

func fieldDiff(before, after record.Object) map[string]record.FieldDiff {
	diff := make(map[string]record.FieldDiff)
	for field, old := range before {
		nv, ok := after[field]
		if !ok {
			diff[field] = record.FieldDiff{From: record.CloneValue(old), To: record.Null{}}
			continue
		}
		if !record.Equal(old, nv) {
			diff[field] = record.FieldDiff{From: record.CloneValue(old), To: record.CloneValue(nv)}
		}
	}
	for field, nv := range after {
		if _, ok := before[field]; !ok {
			diff[field] = record.FieldDiff{From: record.Null{}, To: record.CloneValue(nv)}
		}
	}
	return diff
}

func isAbsent(v record.Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(record.Null)
	return ok
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
