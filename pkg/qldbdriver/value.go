package qldbdriver

import (
	"bytes"

	"github.com/amzn/ion-go/ion"
)

// ValueSystem is the seam between the driver and the self-describing
// structured value format used on the wire (Amazon Ion). It is injected
// into every component that encodes parameters or hashes values, mirroring
// how neo4j-go-driver injects its connection pool rather than reaching for
// a package-level singleton. Callers virtually never need a custom
// implementation; defaultValueSystem wraps github.com/amzn/ion-go/ion.
type ValueSystem interface {
	// ToIonBinary canonically encodes v, ready to be placed in a
	// ValueHolder parameter on the wire.
	ToIonBinary(v interface{}) ([]byte, error)
	// HashOf returns the commit-digest hash of v's canonical encoding.
	HashOf(v interface{}) (Hash, error)
	// FromIonBinary decodes a single row's canonical bytes into dst, which
	// should be a pointer (as with encoding/json.Unmarshal).
	FromIonBinary(data []byte, dst interface{}) error
}

// defaultValueSystem is the production ValueSystem, backed by Amazon Ion's
// binary encoding. Its zero value is ready to use.
type defaultValueSystem struct{}

// NewValueSystem returns the default Ion-backed ValueSystem used when a
// DriverOptions does not override WithValueSystem.
func NewValueSystem() ValueSystem { return defaultValueSystem{} }

func (defaultValueSystem) ToIonBinary(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	w := ion.NewBinaryWriter(&buf)
	if err := ion.MarshalTo(w, v); err != nil {
		return nil, &SerializationError{Cause: err}
	}
	if err := w.Finish(); err != nil {
		return nil, &SerializationError{Cause: err}
	}
	return buf.Bytes(), nil
}

// HashOf hashes the canonical Ion binary encoding of v. This is the
// "hashing reader" hook spec §4.1 calls for: rather than re-implementing
// Ion's canonicalization, we lean on the same binary writer used for wire
// encoding and hash its output, guaranteeing the hash matches what the
// server receives byte for byte.
func (vs defaultValueSystem) HashOf(v interface{}) (Hash, error) {
	canonical, err := vs.ToIonBinary(v)
	if err != nil {
		return nil, err
	}
	return HashBytes(canonical), nil
}

func (defaultValueSystem) FromIonBinary(data []byte, dst interface{}) error {
	if err := ion.Unmarshal(data, dst); err != nil {
		return &SerializationError{Cause: err}
	}
	return nil
}
