package envelope

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBody struct {
	typeID TypeId
	val    string
}

func (b fakeBody) TypeID() TypeId { return b.typeID }
func (b fakeBody) MarshalBinary() ([]byte, error) {
	return []byte(b.val), nil
}

type otherBody struct{ typeID TypeId }

func (b otherBody) TypeID() TypeId                  { return b.typeID }
func (b otherBody) MarshalBinary() ([]byte, error) { return nil, nil }

func TestTypeId_EqualityByURL(t *testing.T) {
	a := NewTypeId("erc20.transfer")
	b := NewTypeId("erc20.transfer")
	c := NewTypeId("erc20.approval")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.Equal(t, a.Hash(), b.Hash(), "FNV-1a hash must be deterministic across instances")
}

func TestEnvelope_TypeIdMatchesBody(t *testing.T) {
	typeID := NewTypeId("erc20.transfer")
	body := fakeBody{typeID: typeID, val: "x"}
	env := New("id-1", body, nil)

	assert.True(t, env.TypeId().Equal(typeID))
	assert.Equal(t, "id-1", env.ID())
	assert.NotNil(t, env.Metadata())
}

func TestDowncastTo_SucceedsOnMatchingType(t *testing.T) {
	typeID := NewTypeId("erc20.transfer")
	body := fakeBody{typeID: typeID, val: "hello"}
	env := New("id-1", body, map[string]string{"k": "v"})

	got, ok := DowncastTo[fakeBody](env)
	require.True(t, ok)
	assert.Equal(t, "hello", got.val)
}

func TestDowncastTo_FailsOnTypeMismatch(t *testing.T) {
	typeID := NewTypeId("erc20.transfer")
	body := fakeBody{typeID: typeID, val: "hello"}
	env := New("id-1", body, nil)

	_, ok := DowncastTo[otherBody](env)
	assert.False(t, ok, "downcast to an unrelated concrete type must fail even if it implements Body")
}

func TestToWire_RoundTripsPayload(t *testing.T) {
	typeID := NewTypeId("erc20.transfer")
	body := fakeBody{typeID: typeID, val: "payload-bytes"}
	env := New("id-42", body, map[string]string{"block": "100"})

	wire, err := ToWire(env)
	require.NoError(t, err)
	assert.Equal(t, "erc20.transfer", wire.TypeURL)
	assert.Equal(t, "id-42", wire.ID)
	assert.Equal(t, []byte("payload-bytes"), wire.Payload)
	assert.Equal(t, "100", wire.Meta["block"])
}

func TestFnv1a_StableAcrossCalls(t *testing.T) {
	for i := 0; i < 5; i++ {
		url := fmt.Sprintf("introspect.CreateTable.%d", i)
		assert.Equal(t, fnv1a(url), fnv1a(url))
	}
}
