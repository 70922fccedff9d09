package recordproto_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"gihan9a/recordsync/pkg/recordproto"
)

func TestTypedValues(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		typed string
	}{
		{name: "string", raw: `"Egon"`, typed: "SEgon"},
		{name: "number", raw: `42.5`, typed: "N42.5"},
		{name: "true", raw: `true`, typed: "T"},
		{name: "false", raw: `false`, typed: "F"},
		{name: "null", raw: `null`, typed: "L"},
		{name: "object", raw: `{"a":[1,2]}`, typed: `O{"a":[1,2]}`},
		{name: "array", raw: `[1,"x"]`, typed: `O[1,"x"]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.typed, recordproto.EncodeRaw(json.RawMessage(tc.raw)))
			raw, err := recordproto.DecodeRaw(tc.typed)
			require.NoError(t, err)
			require.JSONEq(t, tc.raw, string(raw))
		})
	}
}

func TestTypedUndefined(t *testing.T) {
	require.Equal(t, "U", recordproto.EncodeRaw(nil))
	raw, err := recordproto.DecodeRaw("U")
	require.NoError(t, err)
	require.Nil(t, raw)
}

func TestTypedMalformed(t *testing.T) {
	for _, in := range []string{"", "Nabc", "NNaN", "O{", "X1"} {
		_, err := recordproto.DecodeRaw(in)
		require.ErrorIs(t, err, recordproto.ErrMalformed, in)
	}
}
