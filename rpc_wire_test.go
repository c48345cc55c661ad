// rpc_wire_test.go: frame layout, value encoding and API table tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_HeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frame{callID: 0x0102, cmd: int8(ResultBroadcastNoHandler), payload: []byte("abc")}))

	raw := buf.Bytes()
	require.Len(t, raw, frameHeaderSize+3)
	assert.Equal(t, []byte{'w', 'q'}, raw[:2])
	assert.Equal(t, []byte{0x02, 0x01}, raw[2:4], "call id is little endian")
	assert.Equal(t, []byte{3, 0, 0, 0x88}, raw[4:8], "length in the low 24 bits, result in the high byte")

	f, err := readFrame(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), f.callID)
	assert.Equal(t, int8(-120), f.cmd)
	assert.Equal(t, []byte("abc"), f.payload)
}

func TestFrame_Errors(t *testing.T) {
	t.Run("BadMagic", func(t *testing.T) {
		_, err := readFrame(bytes.NewReader([]byte{'x', 'q', 0, 0, 0, 0, 0, 0}))
		assert.True(t, HasErrorCode(err, ErrCodeProtocolError))
	})

	t.Run("TruncatedPayload", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeFrame(&buf, frame{callID: 1, cmd: 16, payload: []byte("hello")}))
		_, err := readFrame(bytes.NewReader(buf.Bytes()[:buf.Len()-2]))
		assert.Error(t, err)
	})

	t.Run("OversizedPayload", func(t *testing.T) {
		err := writeFrame(&bytes.Buffer{}, frame{payload: make([]byte, maxFramePayload+1)})
		assert.True(t, HasErrorCode(err, ErrCodeProtocolError))
	})
}

func TestStringEncoding(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, encodeValue(&buf, KindString, "ok"))
	assert.Equal(t, []byte{2, 0, 'o', 'k', 0}, buf.Bytes(), "length prefix plus NUL terminator")

	buf.Reset()
	require.NoError(t, encodeValue(&buf, KindString, ""))
	assert.Equal(t, []byte{0, 0}, buf.Bytes(), "empty string has no terminator")
}

func TestArgs_MixedKinds(t *testing.T) {
	params := []Kind{KindString, KindBool, KindInt, KindLong, KindShort, KindByte, KindDouble, KindBytes, KindJSON}
	payload, err := encodeArgs(params, []any{
		"com.example.app", true, 10057, int64(1) << 40, -2, 7, 2.5, []byte{1, 2}, map[string]int{"pid": 42},
	})
	require.NoError(t, err)

	args, err := decodeArgs(params, payload)
	require.NoError(t, err)
	assert.Equal(t, []any{
		"com.example.app", true, int32(10057), int64(1) << 40, int16(-2), int8(7), 2.5, []byte{1, 2}, `{"pid":42}`,
	}, args)
}

func TestArgs_Errors(t *testing.T) {
	_, err := encodeArgs([]Kind{KindInt}, nil)
	assert.True(t, HasErrorCode(err, ErrCodeProtocolError))

	_, err = encodeArgs([]Kind{KindInt}, []any{"ten"})
	assert.True(t, HasErrorCode(err, ErrCodeUnsupportedType))

	_, err = encodeArgs([]Kind{KindInt}, []any{1.5})
	assert.True(t, HasErrorCode(err, ErrCodeUnsupportedType), "fractional values are not integers")

	_, err = decodeArgs([]Kind{KindString}, []byte{5, 0, 'a'})
	assert.True(t, HasErrorCode(err, ErrCodeProtocolError))
}

func TestReturnEncoding(t *testing.T) {
	t.Run("BoolRidesInResult", func(t *testing.T) {
		res, payload, err := encodeReturn(KindBool, true)
		require.NoError(t, err)
		assert.Equal(t, int8(1), res)
		assert.Empty(t, payload)

		v, err := decodeReturn(KindBool, res, payload)
		require.NoError(t, err)
		assert.Equal(t, true, v)
	})

	t.Run("ByteRidesInResult", func(t *testing.T) {
		res, payload, err := encodeReturn(KindByte, 1)
		require.NoError(t, err)
		assert.Equal(t, int8(1), res)
		assert.Empty(t, payload)
	})

	t.Run("BytesAreUnframed", func(t *testing.T) {
		_, payload, err := encodeReturn(KindBytes, []byte{9, 8})
		require.NoError(t, err)
		assert.Equal(t, []byte{9, 8}, payload)
	})

	t.Run("EmptyStringPayload", func(t *testing.T) {
		v, err := decodeReturn(KindString, 0, nil)
		require.NoError(t, err)
		assert.Equal(t, "", v)
	})

	t.Run("IntPayload", func(t *testing.T) {
		res, payload, err := encodeReturn(KindInt, -1)
		require.NoError(t, err)
		v, err := decodeReturn(KindInt, res, payload)
		require.NoError(t, err)
		assert.Equal(t, int32(-1), v)
	})
}

func TestResultByte_String(t *testing.T) {
	assert.Equal(t, "no registered handler", ResultNoHandle.String())
	assert.Equal(t, "result(-9)", ResultByte(-9).String())
	assert.Equal(t, "json", KindJSON.String())
}

func TestAPI_Numbering(t *testing.T) {
	api, err := NewAPI(
		RequestMethod("alpha", KindInt, KindString),
		BroadcastMethod("tick", KindVoid, KindLong),
		RequestMethod("beta", KindVoid),
		BroadcastMethod("launch", KindByte, KindString),
	)
	require.NoError(t, err)

	methods := api.Methods()
	require.Len(t, methods, 6)
	assert.Equal(t, MethodSubscribe, methods[0].Name)
	assert.Equal(t, "alpha", methods[4].Name)

	l, err := decodeListing(api.encodeListing())
	require.NoError(t, err)
	assert.Equal(t, byte(4), l.Methods[MethodSubscribe])
	assert.Equal(t, byte(7), l.Methods[MethodStop])
	assert.Equal(t, byte(16), l.Methods["alpha"])
	assert.Equal(t, byte(17), l.Methods["beta"])
	assert.Equal(t, "tick", l.Broadcasts[16], "broadcast ids are numbered separately")
	assert.Equal(t, "launch", l.Broadcasts[17])

	tick, ok := api.LookupBroadcast("tick")
	require.True(t, ok)
	assert.False(t, tick.NeedsReply())
	launch, _ := api.LookupBroadcast("launch")
	assert.True(t, launch.NeedsReply())

	_, ok = api.Lookup("tick")
	assert.False(t, ok, "broadcasts are not callable")
}

func TestAPI_Validation(t *testing.T) {
	_, err := NewAPI(RequestMethod("", KindVoid))
	assert.True(t, HasErrorCode(err, ErrCodeInvalidDeclaration))

	_, err = NewAPI(RequestMethod("ping", KindVoid))
	assert.True(t, HasErrorCode(err, ErrCodeHandlerExists), "built-ins cannot be shadowed")

	_, err = NewAPI(BroadcastMethod("dup", KindVoid), RequestMethod("dup", KindVoid))
	assert.True(t, HasErrorCode(err, ErrCodeHandlerExists))

	assert.Panics(t, func() { MustAPI(RequestMethod("", KindVoid)) })

	_, err = decodeListing([]byte{1, 0})
	assert.True(t, HasErrorCode(err, ErrCodeProtocolError))
}
