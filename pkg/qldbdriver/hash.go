package qldbdriver

import "crypto/sha256"

// Hash is a commit-digest value: either the distinguished empty value (a
// nil or zero-length slice) or exactly 32 bytes. It is immutable once
// constructed; every function below returns a new Hash rather than mutating
// its receiver.
type Hash []byte

// emptyHash is the identity element for Dot.
var emptyHash = Hash(nil)

func (h Hash) isEmpty() bool { return len(h) == 0 }

func (h Hash) validate() error {
	if len(h) == 0 || len(h) == sha256.Size {
		return nil
	}
	return ErrInvalidHash
}

// Bytes returns the raw bytes of h. Callers must not mutate the result.
func (h Hash) Bytes() []byte { return h }

// Equal reports whether h and other are byte-for-byte identical, treating a
// nil and a zero-length Hash as the same empty value.
func (h Hash) Equal(other Hash) bool {
	if h.isEmpty() && other.isEmpty() {
		return true
	}
	if len(h) != len(other) {
		return false
	}
	for i := range h {
		if h[i] != other[i] {
			return false
		}
	}
	return true
}

// HashText hashes a raw statement string by its UTF-8 bytes.
func HashText(s string) Hash {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// HashBytes hashes an already-canonically-encoded value (e.g. an Ion binary
// parameter). Most callers should go through a ValueSystem's HashOf instead,
// which handles the encoding step; HashBytes is exposed for callers who
// already hold canonical bytes.
func HashBytes(canonical []byte) Hash {
	sum := sha256.Sum256(canonical)
	return sum[:]
}

// cmp implements the little-endian signed lexicographic comparator required
// by spec: scan from the most significant byte (index 31) down to the
// least significant (index 0), and return the sign of the first differing
// byte pair interpreted as signed int8. This ordering is load-bearing: it
// must agree with the server's own tie-break or commit digests will diverge
// even when both sides hash the same inputs.
func cmp(a, b Hash) int {
	for i := len(a) - 1; i >= 0; i-- {
		ai := int8(a[i])
		bi := int8(b[i])
		if ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Dot combines two commit-digest hashes: the empty hash is the identity
// element, and otherwise the two 32-byte values are concatenated with the
// smaller-comparing one first and the concatenation is hashed. Dot fails
// with ErrInvalidHash if either non-empty operand is not exactly 32 bytes.
func Dot(a, b Hash) (Hash, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	if a.isEmpty() {
		return b, nil
	}
	if b.isEmpty() {
		return a, nil
	}

	first, second := a, b
	if cmp(a, b) > 0 {
		first, second = b, a
	}

	concat := make([]byte, 0, len(first)+len(second))
	concat = append(concat, first...)
	concat = append(concat, second...)
	sum := sha256.Sum256(concat)
	return sum[:], nil
}

// mustDot is Dot without the error return, for call sites that have already
// validated their inputs are well-formed Hash values (e.g. anything
// produced by HashText/HashBytes/Dot itself, which can never fail).
func mustDot(a, b Hash) Hash {
	h, err := Dot(a, b)
	if err != nil {
		// Unreachable unless a caller smuggled in a malformed Hash from
		// outside this package; fail loudly rather than silently drift.
		panic(err)
	}
	return h
}

// statementFingerprint computes H(statement) · H(p1) · ... · H(pN) as
// defined in spec §3/§4.1: the dot-combine of the statement's text hash with
// each parameter's value hash, in positional order.
func statementFingerprint(vs ValueSystem, statement string, params []interface{}) (Hash, error) {
	fp := HashText(statement)
	for _, p := range params {
		ph, err := vs.HashOf(p)
		if err != nil {
			return nil, err
		}
		fp = mustDot(fp, ph)
	}
	return fp, nil
}
