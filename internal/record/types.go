package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Author identifies where a commit originated.
// The set is closed: every switch over Author must handle each variant.
type Author string

const (
	// AuthorUser marks commits produced by an explicit user action.
	AuthorUser Author = "user"

	// AuthorSystem marks commits produced by automation (imports, schedules, reverts).
	AuthorSystem Author = "system"
)

// Valid reports whether a is one of the known authors.
func (a Author) Valid() bool {
	switch a {
	case AuthorUser, AuthorSystem:
		return true
	default:
		return false
	}
}

// ParseAuthor converts a string into an Author.
func ParseAuthor(s string) (Author, error) {
	a := Author(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown author %q: must be %q or %q", s, AuthorUser, AuthorSystem)
	}
	return a, nil
}

// ChangeType is the kind of mutation a Change applies.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
)

// Valid reports whether t is one of the known change types.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeAdd, ChangeModify, ChangeDelete:
		return true
	default:
		return false
	}
}

// FieldDiff is the before/after pair for one field of a modified entity.
// Null on either side means the field was absent.
type FieldDiff struct {
	From Value `json:"from"`
	To   Value `json:"to"`
}

// Change is one mutation inside a commit.
//
// Add carries the new entity in Data. Modify carries Diff. Delete may carry
// the removed entity in Data so that a later revert can re-add it.
// EntityType and EntityID are opaque to the engine.
type Change struct {
	Type        ChangeType           `json:"type"`
	EntityType  string               `json:"entity_type"`
	EntityID    string               `json:"entity_id"`
	Diff        map[string]FieldDiff `json:"diff,omitempty"`
	Data        Object               `json:"data,omitempty"`
	Description string               `json:"description,omitempty"`
}

// Validate checks the structural rules for a change.
func (c Change) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("unknown change type %q", c.Type)
	}
	if c.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if c.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	switch c.Type {
	case ChangeAdd:
		if len(c.Diff) > 0 {
			return fmt.Errorf("diff is only allowed on modify changes")
		}
	case ChangeModify:
		if len(c.Diff) == 0 {
			return fmt.Errorf("modify change for %s/%s has an empty diff", c.EntityType, c.EntityID)
		}
		if c.Data != nil {
			return fmt.Errorf("data is not allowed on modify changes")
		}
	case ChangeDelete:
		if len(c.Diff) > 0 {
			return fmt.Errorf("diff is only allowed on modify changes")
		}
	}
	return nil
}

// toObject converts the change to its canonical object form.
func (c Change) toObject() Object {
	obj := Object{
		"type":        String(c.Type),
		"entity_type": String(c.EntityType),
		"entity_id":   String(c.EntityID),
	}
	if len(c.Diff) > 0 {
		diff := make(Object, len(c.Diff))
		for field, d := range c.Diff {
			diff[field] = Object{"from": orNull(d.From), "to": orNull(d.To)}
		}
		obj["diff"] = diff
	}
	if c.Data != nil {
		obj["data"] = c.Data
	}
	if c.Description != "" {
		obj["description"] = String(c.Description)
	}
	return obj
}

func orNull(v Value) Value {
	if v == nil {
		return Null{}
	}
	return v
}

// changeFromObject is the inverse of toObject.
func changeFromObject(obj Object) (Change, error) {
	var c Change
	str := func(key string, required bool) (string, error) {
		v, ok := obj[key]
		if !ok {
			if required {
				return "", fmt.Errorf("missing %q", key)
			}
			return "", nil
		}
		s, ok := v.(String)
		if !ok {
			return "", fmt.Errorf("%q must be a string, got %T", key, v)
		}
		return string(s), nil
	}

	t, err := str("type", true)
	if err != nil {
		return c, err
	}
	c.Type = ChangeType(t)
	if c.EntityType, err = str("entity_type", true); err != nil {
		return c, err
	}
	if c.EntityID, err = str("entity_id", true); err != nil {
		return c, err
	}
	if c.Description, err = str("description", false); err != nil {
		return c, err
	}

	if raw, ok := obj["diff"]; ok {
		diffObj, ok := raw.(Object)
		if !ok {
			return c, fmt.Errorf("\"diff\" must be an object, got %T", raw)
		}
		c.Diff = make(map[string]FieldDiff, len(diffObj))
		for field, fd := range diffObj {
			pair, ok := fd.(Object)
			if !ok {
				return c, fmt.Errorf("diff %q must be an object, got %T", field, fd)
			}
			c.Diff[field] = FieldDiff{From: orNull(pair["from"]), To: orNull(pair["to"])}
		}
	}
	if raw, ok := obj["data"]; ok {
		data, ok := raw.(Object)
		if !ok {
			return c, fmt.Errorf("\"data\" must be an object, got %T", raw)
		}
		c.Data = data
	}
	return c, c.Validate()
}

// UnmarshalJSON decodes a change, rejecting floats anywhere in the payload.
func (c *Change) UnmarshalJSON(data []byte) error {
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	decoded, err := changeFromObject(obj)
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}

// MarshalChanges produces the canonical plaintext for a commit payload.
// Every change is validated first; an empty slice encodes as "[]".
func MarshalChanges(changes []Change) ([]byte, error) {
	arr := make(Array, len(changes))
	for i, ch := range changes {
		if err := ch.Validate(); err != nil {
			return nil, fmt.Errorf("change[%d]: %w", i, err)
		}
		arr[i] = ch.toObject()
	}
	data, err := MarshalCanonical(arr)
	if err != nil {
		return nil, fmt.Errorf("marshal changes: %w", err)
	}
	return data, nil
}

// UnmarshalChanges decodes a payload plaintext produced by MarshalChanges.
func UnmarshalChanges(data []byte) ([]Change, error) {
	v, err := UnmarshalValue(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal changes: %w", err)
	}
	arr, ok := v.(Array)
	if !ok {
		return nil, fmt.Errorf("unmarshal changes: expected array, got %T", v)
	}
	changes := make([]Change, len(arr))
	for i, elem := range arr {
		obj, ok := elem.(Object)
		if !ok {
			return nil, fmt.Errorf("unmarshal changes: change[%d] is %T", i, elem)
		}
		ch, err := changeFromObject(obj)
		if err != nil {
			return nil, fmt.Errorf("unmarshal changes: change[%d]: %w", i, err)
		}
		changes[i] = ch
	}
	return changes, nil
}

// Commit is an immutable, content-addressed history record.
//
// Hash covers Author, Timestamp, Message, Payload and ParentHash. Seq is the
// position assigned by the store on append and is not part of the hash.
// Payload holds the encrypted canonical change list.
type Commit struct {
	Seq        int64     `json:"seq"`
	Hash       string    `json:"hash"`
	ParentHash string    `json:"parent_hash,omitempty"` // empty only for genesis
	Author     Author    `json:"author"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
	Payload    []byte    `json:"payload"`
}

// IsGenesis reports whether the commit has no parent.
func (c Commit) IsGenesis() bool {
	return c.ParentHash == ""
}

// ShortHash returns the display prefix of the hash.
func (c Commit) ShortHash() string {
	return ShortHash(c.Hash)
}

// ShortHashLen is the number of hex characters shown for abbreviated hashes.
const ShortHashLen = 8

// ShortHash abbreviates a hex hash for display.
func ShortHash(hash string) string {
	if len(hash) <= ShortHashLen {
		return hash
	}
	return hash[:ShortHashLen]
}
