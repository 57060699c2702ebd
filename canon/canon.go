// Package canon implements the CID canonicalization scheme: a content
// identifier is reduced to either a 32-byte compact digest (the common
// case, v1+dag-cbor+blake2b-256) or boxed as a structured fallback CID.
// The two forms are disjoint and together cover every defined CID, so
// collections keyed on the canonical form get the compact form's memory
// savings without losing the ability to hold arbitrary CIDs.
package canon

import (
	"errors"
	"fmt"

	"github.com/forest-chain/forest-archive/forestindex"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// CompactCodec and CompactHashAlgo identify the codec/hash pair eligible
// for the 32-byte compact form: CIDv1, dag-cbor, blake2b-256.
const (
	CompactCodec     = cid.DagCBOR
	CompactHashAlgo  = mh.BLAKE2B_MIN + 31 // blake2b-256: 32-byte digest
	CompactDigestLen = 32
)

var ErrNotReversible = errors.New("canon: fallback CID cannot be restored without its original form")

// Kind discriminates the two canonical forms. Tagged-variant dispatch is
// used here instead of an interface, matching the rest of this codebase's
// preference for concrete dispatch over trait objects.
type Kind uint8

const (
	KindCompact Kind = iota
	KindFallback
)

// Canonical is the canonical form of a CID produced by Canonicalize. The
// zero value is not a valid Canonical.
type Canonical struct {
	kind     Kind
	compact  [32]byte
	fallback cid.Cid
}

// Eligible reports whether c qualifies for the 32-byte compact form.
func Eligible(c cid.Cid) bool {
	if c.Version() != 1 {
		return false
	}
	if c.Prefix().Codec != CompactCodec {
		return false
	}
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return false
	}
	return decoded.Code == CompactHashAlgo && len(decoded.Digest) == CompactDigestLen
}

// Canonicalize maps a structured CID to its canonical form. The mapping is
// a bijection: Canonicalize(c).Restore() == c for every c.
func Canonicalize(c cid.Cid) (Canonical, error) {
	if !c.Defined() {
		return Canonical{}, fmt.Errorf("canon: cannot canonicalize undefined cid")
	}
	if Eligible(c) {
		decoded, err := mh.Decode(c.Hash())
		if err != nil {
			return Canonical{}, fmt.Errorf("canon: decode multihash: %w", err)
		}
		var digest [32]byte
		copy(digest[:], decoded.Digest)
		return Canonical{kind: KindCompact, compact: digest}, nil
	}
	return Canonical{kind: KindFallback, fallback: c}, nil
}

// IsCompact reports whether this value holds the 32-byte compact form.
func (c Canonical) IsCompact() bool { return c.kind == KindCompact }

// CompactDigest returns the 32-byte digest. Only meaningful if IsCompact().
func (c Canonical) CompactDigest() [32]byte { return c.compact }

// FallbackCID returns the boxed structured CID. Only meaningful if !IsCompact().
func (c Canonical) FallbackCID() cid.Cid { return c.fallback }

// Restore reverses canonicalization, reconstructing the structured CID.
func (c Canonical) Restore() (cid.Cid, error) {
	if c.kind == KindFallback {
		if !c.fallback.Defined() {
			return cid.Undef, ErrNotReversible
		}
		return c.fallback, nil
	}
	digest, err := mh.Encode(c.compact[:], CompactHashAlgo)
	if err != nil {
		return cid.Undef, fmt.Errorf("canon: encode multihash: %w", err)
	}
	return cid.NewCidV1(CompactCodec, digest), nil
}

// Bytes encodes the canonical value for on-disk storage: one tag byte
// followed by either the 32-byte digest or the fallback CID's own bytes.
func (c Canonical) Bytes() []byte {
	if c.kind == KindCompact {
		out := make([]byte, 1+CompactDigestLen)
		out[0] = byte(KindCompact)
		copy(out[1:], c.compact[:])
		return out
	}
	raw := c.fallback.Bytes()
	out := make([]byte, 1+len(raw))
	out[0] = byte(KindFallback)
	copy(out[1:], raw)
	return out
}

// FromBytes parses a Canonical previously produced by Bytes.
func FromBytes(buf []byte) (Canonical, error) {
	if len(buf) < 1 {
		return Canonical{}, errors.New("canon: empty byte slice")
	}
	switch Kind(buf[0]) {
	case KindCompact:
		if len(buf) != 1+CompactDigestLen {
			return Canonical{}, fmt.Errorf("canon: bad compact length %d", len(buf))
		}
		var digest [32]byte
		copy(digest[:], buf[1:])
		return Canonical{kind: KindCompact, compact: digest}, nil
	case KindFallback:
		parsed, err := cid.Cast(buf[1:])
		if err != nil {
			return Canonical{}, fmt.Errorf("canon: bad fallback cid: %w", err)
		}
		return Canonical{kind: KindFallback, fallback: parsed}, nil
	default:
		return Canonical{}, fmt.Errorf("canon: unknown kind tag %d", buf[0])
	}
}

// key is the internal map key for the fallback table: cid.Cid's own
// binary key string, as used throughout the go-cid ecosystem (cid.Set).
func (c Canonical) key() string { return c.fallback.KeyString() }

// SummaryHash computes the index's 64-bit summary key directly from a
// structured CID, decoding its multihash to recover the digest, hash
// algorithm code and codec that forestindex.Summary folds together.
func SummaryHash(c cid.Cid) (uint64, error) {
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return 0, fmt.Errorf("canon: decode multihash: %w", err)
	}
	return forestindex.Summary(decoded.Digest, uint64(c.Prefix().Codec), uint64(decoded.Code)), nil
}
