// Package snapshot models the host-provided tagged-field stream that device
// snapshots are written to and read from. The real versioning/migration
// framework (transport framing, compression, live-migration pacing) lives
// outside this module; only the Reader/Writer contract devices are coded
// against is defined here, plus a gob-backed in-memory implementation
// (Buffer).
package snapshot

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// ErrMajorMismatch is returned by EnsureDeviceMajor when a snapshot was
// produced by an incompatible device version.
var ErrMajorMismatch = errors.New("snapshot: device major version mismatch")

// Writer is the tagged-field output stream a device serializes itself into.
// Each call to PutXxx appends one field under the given tag; tags are
// device-private strings, not wire-stable across devices.
type Writer interface {
	PutDeviceVersion(id [4]byte, major, minor uint16)
	PutU8(tag string, v uint8)
	PutU16(tag string, v uint16)
	PutU32(tag string, v uint32)
	PutU64(tag string, v uint64)
	PutBool(tag string, v bool)
	PutBytes(tag string, v []byte)
}

// Reader is the read-side counterpart. GetXxx return the zero value when a
// tag is absent, matching the "missing optional tags default" contract;
// EnsureDeviceMajor is the one call that rejects rather than defaults.
type Reader interface {
	EnsureDeviceMajor(id [4]byte, wantMajor uint16) (minor uint16, err error)
	GetU8(tag string) uint8
	GetU16(tag string) uint16
	GetU32(tag string) uint32
	GetU64(tag string) uint64
	GetBool(tag string) bool
	GetBytes(tag string) []byte
}

// field is one tagged value in the stream. Values are stored as their
// concrete Go type and re-typed on Get; a tag requested with the wrong
// accessor simply returns the zero value rather than panicking, mirroring
// "unknown tags are ignored".
type field struct {
	Tag string
	Val interface{}
}

// deviceVersion is recorded once per snapshot, ahead of the field stream.
type deviceVersion struct {
	ID    [4]byte
	Major uint16
	Minor uint16
}

// envelope is the gob-encoded payload carried by a snapshot: one concrete
// struct encoded in a single pass rather than a hand-rolled binary layout
// for every tag.
type envelope struct {
	Version deviceVersion
	Fields  []field
}

func init() {
	gob.Register(field{})
	gob.Register(uint8(0))
	gob.Register(uint16(0))
	gob.Register(uint32(0))
	gob.Register(uint64(0))
	gob.Register(false)
	gob.Register([]byte{})
}

// Buffer is an in-memory Reader+Writer pair: Encode() on a populated Buffer
// produces bytes; Decode() reconstructs a Buffer for reading. This is the
// concrete type every package test in this module snapshots through.
type Buffer struct {
	env envelope
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) PutDeviceVersion(id [4]byte, major, minor uint16) {
	b.env.Version = deviceVersion{ID: id, Major: major, Minor: minor}
}

func (b *Buffer) put(tag string, v interface{}) {
	b.env.Fields = append(b.env.Fields, field{Tag: tag, Val: v})
}

func (b *Buffer) PutU8(tag string, v uint8)     { b.put(tag, v) }
func (b *Buffer) PutU16(tag string, v uint16)   { b.put(tag, v) }
func (b *Buffer) PutU32(tag string, v uint32)   { b.put(tag, v) }
func (b *Buffer) PutU64(tag string, v uint64)   { b.put(tag, v) }
func (b *Buffer) PutBool(tag string, v bool)    { b.put(tag, v) }
func (b *Buffer) PutBytes(tag string, v []byte) { b.put(tag, append([]byte(nil), v...)) }

func (b *Buffer) find(tag string) interface{} {
	// Last write for a tag wins, so re-saving a dirty register file after a
	// partial mutation behaves like overwriting rather than appending.
	for i := len(b.env.Fields) - 1; i >= 0; i-- {
		if b.env.Fields[i].Tag == tag {
			return b.env.Fields[i].Val
		}
	}

	return nil
}

func (b *Buffer) EnsureDeviceMajor(id [4]byte, wantMajor uint16) (uint16, error) {
	if b.env.Version.ID != id {
		return 0, fmt.Errorf("%w: got device id %v want %v", ErrMajorMismatch, b.env.Version.ID, id)
	}

	if b.env.Version.Major != wantMajor {
		return 0, fmt.Errorf("%w: got %d want %d", ErrMajorMismatch, b.env.Version.Major, wantMajor)
	}

	return b.env.Version.Minor, nil
}

func (b *Buffer) GetU8(tag string) uint8 {
	if v, ok := b.find(tag).(uint8); ok {
		return v
	}

	return 0
}

func (b *Buffer) GetU16(tag string) uint16 {
	if v, ok := b.find(tag).(uint16); ok {
		return v
	}

	return 0
}

func (b *Buffer) GetU32(tag string) uint32 {
	if v, ok := b.find(tag).(uint32); ok {
		return v
	}

	return 0
}

func (b *Buffer) GetU64(tag string) uint64 {
	if v, ok := b.find(tag).(uint64); ok {
		return v
	}

	return 0
}

func (b *Buffer) GetBool(tag string) bool {
	if v, ok := b.find(tag).(bool); ok {
		return v
	}

	return false
}

func (b *Buffer) GetBytes(tag string) []byte {
	if v, ok := b.find(tag).([]byte); ok {
		return v
	}

	return nil
}

// Encode gob-encodes the buffer's envelope, the same codec the migration
// package uses for MsgSnapshot payloads.
func (b *Buffer) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b.env); err != nil {
		return nil, fmt.Errorf("snapshot: encode: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode reconstructs a Buffer from bytes produced by Encode.
func Decode(b []byte) (*Buffer, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&env); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}

	return &Buffer{env: env}, nil
}
