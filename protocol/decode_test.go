package protocol_test

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/respkv/protocol"
)

func TestDecodeIncomplete(t *testing.T) {
	inputs := []string{
		"",
		"+OK",
		"+OK\r",
		":12",
		"$5\r\nhel",
		"$5\r\nhello",
		"$5\r\nhello\r",
		"*2\r\n",
		"*2\r\n$1\r\na\r\n",
		"*2\r\n$1\r\na\r\n$3\r\nbc",
	}

	for _, in := range inputs {
		_, n, err := protocol.Decode([]byte(in))
		assert.ErrorIs(t, err, protocol.ErrIncomplete, "input %q", in)
		assert.Zero(t, n, "input %q", in)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unknown type byte", "?foo\r\n"},
		{"bulk longer than declared", "$3\r\nabcd\r\n"},
		{"non numeric bulk length", "$abc\r\n"},
		{"negative bulk length", "$-5\r\n"},
		{"non numeric integer", ":12a\r\n"},
		{"bare LF", ":12\n"},
		{"CR without LF", "+OK\rX"},
		{"bad array length", "*x\r\n"},
		{"bad nested element", "*1\r\n!oops\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := protocol.Decode([]byte(tt.input))
			var protoErr *protocol.ProtocolError
			require.True(t, errors.As(err, &protoErr), "got %v", err)
			assert.False(t, errors.Is(err, protocol.ErrIncomplete))
		})
	}
}

func TestDecodeAllSizes(t *testing.T) {
	frames := []string{
		"*1\r\n$4\r\nPING\r\n",
		"*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$1\r\n1\r\n",
		"*3\r\n$8\r\nREPLCONF\r\n$6\r\nGETACK\r\n$1\r\n*\r\n",
	}
	var buf []byte
	for _, f := range frames {
		buf = append(buf, f...)
	}
	buf = append(buf, "*2\r\n$3\r\nGE"...)

	values, sizes, total, err := protocol.DecodeAll(buf)
	require.NoError(t, err)
	require.Len(t, values, 3)

	sum := 0
	for i, f := range frames {
		assert.Equal(t, len(f), sizes[i])
		sum += sizes[i]
	}
	assert.Equal(t, sum, total)
	assert.Equal(t, "REPLCONF", string(values[2].Array[0].Data))
}

func TestEncodeDecodeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	roundTrip := func(v protocol.Value) bool {
		encoded := protocol.Encode(v)
		decoded, n, err := protocol.Decode(encoded)
		return err == nil && n == len(encoded) && decoded.Equal(v)
	}

	properties.Property("bulk strings survive encode then decode", prop.ForAll(
		func(data []byte) bool {
			return roundTrip(protocol.BulkString(data))
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("simple strings survive encode then decode", prop.ForAll(
		func(s string) bool {
			return roundTrip(protocol.SimpleString(s))
		},
		gen.AlphaString(),
	))

	properties.Property("integers survive encode then decode", prop.ForAll(
		func(n int64) bool {
			return roundTrip(protocol.Integer(n))
		},
		gen.Int64(),
	))

	properties.Property("commands survive encode then decode", prop.ForAll(
		func(args []string) bool {
			return roundTrip(protocol.BulkStrings(append([]string{"SET"}, args...)...))
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("consumed size is exact for any cut of a pipelined stream", prop.ForAll(
		func(keys []string, cut float64) bool {
			var stream []byte
			var boundaries []int
			for _, k := range keys {
				stream = append(stream, protocol.EncodeCommand([]byte("SET"), []byte(k), []byte("v"))...)
				boundaries = append(boundaries, len(stream))
			}
			limit := int(cut * float64(len(stream)))

			_, sizes, total, err := protocol.DecodeAll(stream[:limit])
			if err != nil {
				return false
			}
			want := 0
			for _, b := range boundaries {
				if b <= limit {
					want = b
				}
			}
			sum := 0
			for _, s := range sizes {
				sum += s
			}
			return total == want && sum == total
		},
		gen.SliceOf(gen.AlphaString()),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
