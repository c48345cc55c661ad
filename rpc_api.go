// rpc_api.go: method tables shared by both ends of the control channel
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Built-in method names every endpoint serves.
const (
	MethodSubscribe = "subscribe"
	MethodPing      = "ping"
	MethodGetTID    = "get_tid"
	MethodStop      = "stop"
)

const (
	builtinIDBase = 4
	userIDBase    = 16
	maxMethodID   = 127
)

// MethodSpec is one entry of an API table. Broadcast methods are pushed by
// the endpoint owner to subscribed peers instead of being called by them.
type MethodSpec struct {
	Name      string
	Params    []Kind
	Return    Kind
	Broadcast bool
}

// RequestMethod declares a request/response method.
func RequestMethod(name string, ret Kind, params ...Kind) MethodSpec {
	return MethodSpec{Name: name, Params: params, Return: ret}
}

// BroadcastMethod declares a broadcast method.
func BroadcastMethod(name string, ret Kind, params ...Kind) MethodSpec {
	return MethodSpec{Name: name, Params: params, Return: ret, Broadcast: true}
}

// NeedsReply reports whether a peer must answer a broadcast of this method.
func (m MethodSpec) NeedsReply() bool {
	return m.Broadcast && m.Return != KindVoid
}

// API is an immutable method table agreed on by both ends out of band.
// Request methods and broadcasts are numbered separately, in declaration
// order; built-ins are always present.
type API struct {
	methods    []MethodSpec
	broadcasts []MethodSpec
	byName     map[string]int
	bcByName   map[string]int
	ids        map[string]byte
	bcIDs      map[string]byte
	byID       map[byte]MethodSpec
	bcByID     map[byte]MethodSpec
}

func builtinMethods() []MethodSpec {
	return []MethodSpec{
		{Name: MethodSubscribe, Return: KindBool},
		{Name: MethodPing, Return: KindString},
		{Name: MethodGetTID, Return: KindInt},
		{Name: MethodStop, Return: KindVoid},
	}
}

// NewAPI builds a table from specs. Names must be unique and may not shadow
// built-ins.
func NewAPI(specs ...MethodSpec) (*API, error) {
	a := &API{
		byName:   make(map[string]int),
		bcByName: make(map[string]int),
		ids:      make(map[string]byte),
		bcIDs:    make(map[string]byte),
		byID:     make(map[byte]MethodSpec),
		bcByID:   make(map[byte]MethodSpec),
	}
	for i, m := range builtinMethods() {
		a.addMethod(m, byte(builtinIDBase+i))
	}

	next, nextBC := userIDBase, userIDBase
	for _, m := range specs {
		if m.Name == "" {
			return nil, NewInvalidDeclarationError("method without a name")
		}
		if _, dup := a.byName[m.Name]; dup {
			return nil, NewHandlerExistsError(m.Name)
		}
		if _, dup := a.bcByName[m.Name]; dup {
			return nil, NewHandlerExistsError(m.Name)
		}
		if m.Broadcast {
			if nextBC > maxMethodID {
				return nil, NewInvalidDeclarationError("too many broadcast methods")
			}
			a.bcByName[m.Name] = len(a.broadcasts)
			a.bcIDs[m.Name] = byte(nextBC)
			a.bcByID[byte(nextBC)] = m
			a.broadcasts = append(a.broadcasts, m)
			nextBC++
			continue
		}
		if next > maxMethodID {
			return nil, NewInvalidDeclarationError("too many methods")
		}
		a.addMethod(m, byte(next))
		next++
	}
	return a, nil
}

// MustAPI is NewAPI that panics on error, for package-level tables.
func MustAPI(specs ...MethodSpec) *API {
	a, err := NewAPI(specs...)
	if err != nil {
		panic(fmt.Sprintf("albatross: invalid API table: %v", err))
	}
	return a
}

func (a *API) addMethod(m MethodSpec, id byte) {
	a.byName[m.Name] = len(a.methods)
	a.ids[m.Name] = id
	a.byID[id] = m
	a.methods = append(a.methods, m)
}

// Lookup returns the request method spec for name.
func (a *API) Lookup(name string) (MethodSpec, bool) {
	i, ok := a.byName[name]
	if !ok {
		return MethodSpec{}, false
	}
	return a.methods[i], true
}

// LookupBroadcast returns the broadcast spec for name.
func (a *API) LookupBroadcast(name string) (MethodSpec, bool) {
	i, ok := a.bcByName[name]
	if !ok {
		return MethodSpec{}, false
	}
	return a.broadcasts[i], true
}

// Methods returns the request methods in id order.
func (a *API) Methods() []MethodSpec {
	return append([]MethodSpec(nil), a.methods...)
}

// Broadcasts returns the broadcast methods in id order.
func (a *API) Broadcasts() []MethodSpec {
	return append([]MethodSpec(nil), a.broadcasts...)
}

func (a *API) methodByID(id byte) (MethodSpec, bool) {
	m, ok := a.byID[id]
	return m, ok
}

func (a *API) broadcastID(name string) (byte, bool) {
	id, ok := a.bcIDs[name]
	return id, ok
}

// encodeListing renders the MsgAPIs response: method count, broadcast count,
// then (id, name) pairs for methods followed by broadcasts.
func (a *API) encodeListing() []byte {
	var buf bytes.Buffer
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(a.methods)))
	buf.Write(n[:])
	binary.LittleEndian.PutUint32(n[:], uint32(len(a.broadcasts)))
	buf.Write(n[:])
	for _, m := range a.methods {
		buf.WriteByte(a.ids[m.Name])
		_ = putString(&buf, m.Name)
	}
	for _, m := range a.broadcasts {
		buf.WriteByte(a.bcIDs[m.Name])
		_ = putString(&buf, m.Name)
	}
	return buf.Bytes()
}

// Listing is an endpoint's advertised method and broadcast ids.
type Listing struct {
	Methods    map[string]byte
	Broadcasts map[byte]string
}

func decodeListing(data []byte) (Listing, error) {
	l := Listing{Methods: make(map[string]byte), Broadcasts: make(map[byte]string)}
	if len(data) < 8 {
		return l, NewProtocolError("short API listing", nil)
	}
	nAPI := int(int32(binary.LittleEndian.Uint32(data[0:4])))
	nBC := int(int32(binary.LittleEndian.Uint32(data[4:8])))
	off := 8
	for i := 0; i < nAPI+nBC; i++ {
		if off >= len(data) {
			return l, NewProtocolError("truncated API listing", nil)
		}
		id := data[off]
		v, next, err := decodeValue(data, off+1, KindString)
		if err != nil {
			return l, err
		}
		off = next
		if i < nAPI {
			l.Methods[v.(string)] = id
		} else {
			l.Broadcasts[id] = v.(string)
		}
	}
	return l, nil
}
