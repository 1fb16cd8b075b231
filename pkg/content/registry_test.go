package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRawRoundTrip(t *testing.T) {
	p := &RawParser{}
	in := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	v, err := p.Parse(in)
	require.NoError(t, err)
	out, err := p.Serialize(v)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRawEmptyIsTypeMismatch(t *testing.T) {
	_, err := (&RawParser{}).Parse(nil)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestJSONRoundTripPreservesKeyOrder(t *testing.T) {
	p := &JSONParser{}
	in := []byte(`{"z":1,"a":2,"m":[1,2,3]}`)
	v, err := p.Parse(in)
	require.NoError(t, err)
	out, err := p.Serialize(v)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))
	assert.Equal(t, string(in), string(out))
}

func TestJSONInvalidIsTypeMismatch(t *testing.T) {
	_, err := (&JSONParser{}).Parse([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestRegistryFallsBackToRAWForUnknownType(t *testing.T) {
	r := NewRegistry()
	p := r.Get(Type(99))
	assert.IsType(t, &RawParser{}, p)
}

func TestGTFSRTRoundTrip(t *testing.T) {
	var msg []byte
	msg = protowire.AppendTag(msg, 1, protowire.VarintType)
	msg = protowire.AppendVarint(msg, 42)
	msg = protowire.AppendTag(msg, 2, protowire.BytesType)
	msg = protowire.AppendBytes(msg, []byte("hello"))

	p := &GTFSRTParser{}
	v, err := p.Parse(msg)
	require.NoError(t, err)
	out, err := p.Serialize(v)
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}
