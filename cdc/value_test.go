package cdc

import (
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueMarshalJSON(t *testing.T) {
	for _, tc := range []struct {
		value  Value
		expect string
	}{
		{NullValue(), `{"kind":"null","value":null}`},
		{BoolValue(true), `{"kind":"bool","value":true}`},
		{IntValue(-42), `{"kind":"int","value":-42}`},
		{UintValue(255), `{"kind":"uint","value":255}`},
		{FloatValue(1.5), `{"kind":"float","value":1.5}`},
		{StringValue("a"), `{"kind":"string","value":"a"}`},
		{DecimalValue("123.45"), `{"kind":"decimal","value":"123.45"}`},
		{BytesValue([]byte{0x01, 0x02}), `{"kind":"bytes","value":"AQI="}`},
	} {
		var bs, err = json.Marshal(tc.value)
		require.NoError(t, err)
		assert.Equal(t, tc.expect, string(bs), "value %v", tc.value)
	}
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "null", NullValue().String())
	assert.Equal(t, "255u", UintValue(255).String())
	assert.Equal(t, `string("a")`, StringValue("a").String())
}
