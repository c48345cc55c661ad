// rpc_wire.go: frame layout and value codecs of the control channel
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// Frame layout, little-endian:
//
//	'w' 'q' | call id (uint16) | len (low 24 bits) + cmd/result (high 8 bits, signed)
//
// followed by len payload bytes.
const (
	frameHeaderSize = 8
	maxFramePayload = 1<<24 - 1
	callIDMask      = 0xffff

	// MsgAPIs asks the endpoint for its method and broadcast tables.
	MsgAPIs = 3
)

var frameMagic = [2]byte{'w', 'q'}

// ResultByte is the signed result carried in a response or broadcast reply header.
type ResultByte int8

const (
	ResultErrNoSupport         ResultByte = -4
	ResultNoHandle             ResultByte = -5
	ResultHandleException      ResultByte = -6
	ResultBroadcastNoHandler   ResultByte = -120
	ResultBroadcastUndelivered ResultByte = -121
)

func (r ResultByte) String() string {
	switch r {
	case ResultErrNoSupport:
		return "operation not supported"
	case ResultNoHandle:
		return "no registered handler"
	case ResultHandleException:
		return "handler exception"
	case ResultBroadcastNoHandler:
		return "no broadcast handler"
	case ResultBroadcastUndelivered:
		return "broadcast undelivered"
	}
	return fmt.Sprintf("result(%d)", int8(r))
}

type frame struct {
	callID  uint16
	cmd     int8
	payload []byte
}

func writeFrame(w io.Writer, f frame) error {
	if len(f.payload) > maxFramePayload {
		return NewProtocolError(fmt.Sprintf("payload of %d bytes exceeds frame limit", len(f.payload)), nil)
	}
	buf := make([]byte, frameHeaderSize+len(f.payload))
	buf[0], buf[1] = frameMagic[0], frameMagic[1]
	binary.LittleEndian.PutUint16(buf[2:4], f.callID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(f.payload))|uint32(uint8(f.cmd))<<24)
	copy(buf[frameHeaderSize:], f.payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	if hdr[0] != frameMagic[0] || hdr[1] != frameMagic[1] {
		return frame{}, NewProtocolError(fmt.Sprintf("bad frame magic %q", hdr[:2]), nil)
	}
	lr := binary.LittleEndian.Uint32(hdr[4:8])
	f := frame{
		callID: binary.LittleEndian.Uint16(hdr[2:4]),
		cmd:    int8(uint8(lr >> 24)),
	}
	if n := lr & maxFramePayload; n > 0 {
		f.payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return frame{}, err
		}
	}
	return f, nil
}

// Kind is a wire type of a method parameter or return value.
type Kind uint8

const (
	KindVoid Kind = iota
	KindBool
	KindByte
	KindShort
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindString
	KindBytes
	// KindJSON values travel as strings holding compact JSON.
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindBool:
		return "bool"
	case KindByte:
		return "byte"
	case KindShort:
		return "short"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindJSON:
		return "json"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	case float32:
		if float64(n) == math.Trunc(float64(n)) {
			return int64(n), true
		}
	case ResultByte:
		return int64(n), true
	case ResultCode:
		return int64(n), true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := asInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case nil:
		return false, true
	}
	if i, ok := asInt64(v); ok {
		return i != 0, true
	}
	return false, false
}

func putString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return NewProtocolError(fmt.Sprintf("string of %d bytes too long", len(s)), nil)
	}
	if s == "" {
		buf.Write([]byte{0, 0})
		return nil
	}
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
	buf.WriteByte(0)
	return nil
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	case nil:
		return "", true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}

// encodeValue appends v, encoded as kind, to buf.
func encodeValue(buf *bytes.Buffer, kind Kind, v any) error {
	var scratch [8]byte
	switch kind {
	case KindVoid:
		return nil
	case KindBool:
		b, ok := asBool(v)
		if !ok {
			return NewUnsupportedTypeError(kind.String(), v)
		}
		if b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindByte:
		i, ok := asInt64(v)
		if !ok {
			return NewUnsupportedTypeError(kind.String(), v)
		}
		buf.WriteByte(byte(i))
	case KindShort:
		i, ok := asInt64(v)
		if !ok {
			return NewUnsupportedTypeError(kind.String(), v)
		}
		binary.LittleEndian.PutUint16(scratch[:2], uint16(int16(i)))
		buf.Write(scratch[:2])
	case KindInt:
		i, ok := asInt64(v)
		if !ok {
			return NewUnsupportedTypeError(kind.String(), v)
		}
		binary.LittleEndian.PutUint32(scratch[:4], uint32(int32(i)))
		buf.Write(scratch[:4])
	case KindLong:
		i, ok := asInt64(v)
		if !ok {
			return NewUnsupportedTypeError(kind.String(), v)
		}
		binary.LittleEndian.PutUint64(scratch[:8], uint64(i))
		buf.Write(scratch[:8])
	case KindFloat:
		f, ok := asFloat64(v)
		if !ok {
			return NewUnsupportedTypeError(kind.String(), v)
		}
		binary.LittleEndian.PutUint32(scratch[:4], math.Float32bits(float32(f)))
		buf.Write(scratch[:4])
	case KindDouble:
		f, ok := asFloat64(v)
		if !ok {
			return NewUnsupportedTypeError(kind.String(), v)
		}
		binary.LittleEndian.PutUint64(scratch[:8], math.Float64bits(f))
		buf.Write(scratch[:8])
	case KindString:
		s, ok := asString(v)
		if !ok {
			return NewUnsupportedTypeError(kind.String(), v)
		}
		return putString(buf, s)
	case KindBytes:
		var b []byte
		switch x := v.(type) {
		case []byte:
			b = x
		case string:
			b = []byte(x)
		case nil:
		default:
			return NewUnsupportedTypeError(kind.String(), v)
		}
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(b)))
		buf.Write(scratch[:4])
		buf.Write(b)
	case KindJSON:
		s, err := jsonText(v)
		if err != nil {
			return err
		}
		return putString(buf, s)
	default:
		return NewUnsupportedTypeError(kind.String(), v)
	}
	return nil
}

func jsonText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case json.RawMessage:
		return string(x), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", NewUnsupportedTypeError(KindJSON.String(), v)
	}
	return string(b), nil
}

func need(data []byte, off, n int, kind Kind) error {
	if off+n > len(data) {
		return NewProtocolError(fmt.Sprintf("truncated %s at offset %d", kind, off), nil)
	}
	return nil
}

// decodeValue reads one kind-typed value at off and returns it with the next offset.
// Strings decode to string, JSON to its text; integers to int32/int64/int16.
func decodeValue(data []byte, off int, kind Kind) (any, int, error) {
	switch kind {
	case KindVoid:
		return nil, off, nil
	case KindBool:
		if err := need(data, off, 1, kind); err != nil {
			return nil, off, err
		}
		return data[off] != 0, off + 1, nil
	case KindByte:
		if err := need(data, off, 1, kind); err != nil {
			return nil, off, err
		}
		return int8(data[off]), off + 1, nil
	case KindShort:
		if err := need(data, off, 2, kind); err != nil {
			return nil, off, err
		}
		return int16(binary.LittleEndian.Uint16(data[off:])), off + 2, nil
	case KindInt:
		if err := need(data, off, 4, kind); err != nil {
			return nil, off, err
		}
		return int32(binary.LittleEndian.Uint32(data[off:])), off + 4, nil
	case KindLong:
		if err := need(data, off, 8, kind); err != nil {
			return nil, off, err
		}
		return int64(binary.LittleEndian.Uint64(data[off:])), off + 8, nil
	case KindFloat:
		if err := need(data, off, 4, kind); err != nil {
			return nil, off, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(data[off:])), off + 4, nil
	case KindDouble:
		if err := need(data, off, 8, kind); err != nil {
			return nil, off, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data[off:])), off + 8, nil
	case KindString, KindJSON:
		if err := need(data, off, 2, kind); err != nil {
			return nil, off, err
		}
		n := int(binary.LittleEndian.Uint16(data[off:]))
		if n == 0 {
			return "", off + 2, nil
		}
		if err := need(data, off+2, n+1, kind); err != nil {
			return nil, off, err
		}
		return string(data[off+2 : off+2+n]), off + 3 + n, nil
	case KindBytes:
		if err := need(data, off, 4, kind); err != nil {
			return nil, off, err
		}
		n := int(binary.LittleEndian.Uint32(data[off:]))
		if err := need(data, off+4, n, kind); err != nil {
			return nil, off, err
		}
		return append([]byte(nil), data[off+4:off+4+n]...), off + 4 + n, nil
	}
	return nil, off, NewUnsupportedTypeError(kind.String(), nil)
}

// encodeArgs encodes values according to params.
func encodeArgs(params []Kind, args []any) ([]byte, error) {
	if len(args) != len(params) {
		return nil, NewProtocolError(fmt.Sprintf("want %d arguments, got %d", len(params), len(args)), nil)
	}
	var buf bytes.Buffer
	for i, k := range params {
		if err := encodeValue(&buf, k, args[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// decodeArgs decodes a payload according to params.
func decodeArgs(params []Kind, data []byte) ([]any, error) {
	out := make([]any, 0, len(params))
	off := 0
	for _, k := range params {
		v, next, err := decodeValue(data, off, k)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		off = next
	}
	return out, nil
}

// encodeReturn turns a handler result into the response header result and
// payload. Bools and bytes ride in the result itself; everything else is
// payload. Return values are unframed: bytes are raw, strings and JSON use the
// string encoding.
func encodeReturn(kind Kind, v any) (int8, []byte, error) {
	switch kind {
	case KindVoid:
		return 0, nil, nil
	case KindBool:
		b, ok := asBool(v)
		if !ok {
			return 0, nil, NewUnsupportedTypeError(kind.String(), v)
		}
		if b {
			return 1, nil, nil
		}
		return 0, nil, nil
	case KindByte:
		i, ok := asInt64(v)
		if !ok {
			return 0, nil, NewUnsupportedTypeError(kind.String(), v)
		}
		return int8(i), nil, nil
	case KindBytes:
		switch x := v.(type) {
		case []byte:
			return 0, x, nil
		case string:
			return 0, []byte(x), nil
		case nil:
			return 0, nil, nil
		}
		return 0, nil, NewUnsupportedTypeError(kind.String(), v)
	}
	var buf bytes.Buffer
	if err := encodeValue(&buf, kind, v); err != nil {
		return 0, nil, err
	}
	return 0, buf.Bytes(), nil
}

// decodeReturn is the inverse of encodeReturn.
func decodeReturn(kind Kind, result int8, data []byte) (any, error) {
	switch kind {
	case KindVoid:
		return nil, nil
	case KindBool:
		return result > 0, nil
	case KindByte:
		return result, nil
	case KindBytes:
		return data, nil
	case KindString, KindJSON:
		if len(data) == 0 {
			return "", nil
		}
	}
	v, _, err := decodeValue(data, 0, kind)
	return v, err
}
