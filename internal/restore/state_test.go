package restore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
)

func envelope(name string, balance int64) record.Object {
	return record.Object{"name": record.String(name), "balance": record.Int(balance)}
}

func TestState_Apply(t *testing.T) {
	s := NewState()

	require.NoError(t, s.Apply(record.Change{
		Type: record.ChangeAdd, EntityType: "envelope", EntityID: "groceries",
		Data: record.Object{"name": record.String("Groceries"), "balance": record.Int(0), "note": record.Null{}},
	}))
	obj, ok := s.Entity("envelope", "groceries")
	require.True(t, ok)
	assert.NotContains(t, obj, "note", "null fields are absent")

	require.NoError(t, s.Apply(record.Change{
		Type: record.ChangeModify, EntityType: "envelope", EntityID: "groceries",
		Diff: map[string]record.FieldDiff{
			"balance": {From: record.Int(0), To: record.Int(50)},
			"name":    {From: record.String("Groceries"), To: record.Null{}},
		},
	}))
	obj, _ = s.Entity("envelope", "groceries")
	assert.Equal(t, record.Int(50), obj["balance"])
	assert.NotContains(t, obj, "name")

	require.NoError(t, s.Apply(record.Change{Type: record.ChangeDelete, EntityType: "envelope", EntityID: "groceries"}))
	_, ok = s.Entity("envelope", "groceries")
	assert.False(t, ok)
	assert.Zero(t, s.Len())
	assert.Empty(t, s, "empty type maps are dropped")
}

func TestState_ApplyLenient(t *testing.T) {
	s := NewState()

	require.NoError(t, s.Apply(record.Change{Type: record.ChangeDelete, EntityType: "bill", EntityID: "ghost"}))
	assert.Zero(t, s.Len())

	require.NoError(t, s.Apply(record.Change{
		Type: record.ChangeModify, EntityType: "bill", EntityID: "power",
		Diff: map[string]record.FieldDiff{"amount": {From: record.Null{}, To: record.Int(9000)}},
	}))
	obj, ok := s.Entity("bill", "power")
	require.True(t, ok)
	assert.Equal(t, record.Int(9000), obj["amount"])
}

func TestState_ApplyRejectsInvalidChange(t *testing.T) {
	s := NewState()
	err := s.ApplyAll([]record.Change{{Type: record.ChangeModify, EntityType: "envelope", EntityID: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "change[0]")
}

func TestState_CloneIsDeep(t *testing.T) {
	s := NewState()
	s.put("envelope", "rent", envelope("Rent", 100))

	cp := s.Clone()
	cp["envelope"]["rent"]["balance"] = record.Int(1)

	assert.Equal(t, record.Int(100), s["envelope"]["rent"]["balance"])
	assert.False(t, s.Equal(cp))
}

func TestState_CanonicalRoundTrip(t *testing.T) {
	s := NewState()
	s.put("envelope", "rent", envelope("Rent", 120000))
	s.put("envelope", "groceries", envelope("Groceries", 50))
	s.put("transaction", "t-1", record.Object{"amount": record.Int(-2500), "tags": record.Array{record.String("food")}})

	data, err := s.MarshalCanonical()
	require.NoError(t, err)

	decoded, err := DecodeState(data)
	require.NoError(t, err)
	assert.True(t, s.Equal(decoded))

	again, err := decoded.MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestDecodeState_RejectsMalformed(t *testing.T) {
	for _, in := range []string{`[]`, `{"envelope":1}`, `{"envelope":{"rent":"x"}}`, `{`} {
		_, err := DecodeState([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestDiff_AppliedToFromYieldsTo(t *testing.T) {
	from := NewState()
	from.put("envelope", "rent", envelope("Rent", 100))
	from.put("envelope", "fun", envelope("Fun", 20))
	from.put("bill", "power", record.Object{"amount": record.Int(9000), "paid": record.Bool(false)})

	to := NewState()
	to.put("envelope", "rent", envelope("Rent", 80))
	to.put("envelope", "groceries", envelope("Groceries", 50))
	to.put("bill", "power", record.Object{"amount": record.Int(9000), "due": record.String("2024-06-01")})

	changes := Diff(from, to)

	got := from.Clone()
	require.NoError(t, got.ApplyAll(changes))
	assert.True(t, got.Equal(to))

	var types []record.ChangeType
	for _, ch := range changes {
		types = append(types, ch.Type)
	}
	assert.Equal(t, []record.ChangeType{
		record.ChangeModify, // bill/power
		record.ChangeDelete, // envelope/fun
		record.ChangeAdd,    // envelope/groceries
		record.ChangeModify, // envelope/rent
	}, types)
	assert.Equal(t, envelope("Fun", 20), changes[1].Data)
}

func TestDiff_Identical(t *testing.T) {
	s := NewState()
	s.put("envelope", "rent", envelope("Rent", 100))
	assert.Empty(t, Diff(s, s.Clone()))
	assert.Empty(t, Diff(NewState(), NewState()))
}
