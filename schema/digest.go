// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"strconv"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
)

const FingerprintSize = sha256.Size

// Fingerprint is the sha256 of a blob's contents.
type Fingerprint [FingerprintSize]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Digest identifies an immutable blob, or the serialized root of a directory tree.
type Digest struct {
	Fingerprint Fingerprint
	SizeBytes   int64
}

var (
	// EmptyDigest is the digest of zero bytes. It is also the digest of an empty directory,
	// as an empty Directory message serializes to zero bytes.
	EmptyDigest = FromBytes(nil)
)

func (d Digest) IsSet() bool { return d != Digest{} }

func (d Digest) Hex() string { return d.Fingerprint.String() }

func (d Digest) String() string {
	if !d.IsSet() {
		return ""
	}
	return fmt.Sprintf("%s/%d", d.Fingerprint, d.SizeBytes)
}

func (d Digest) Equals(rhs Digest) bool { return d == rhs }

func (d Digest) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = Digest{}
		return nil
	}
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest parses the `<hex>/<size>` form produced by String.
func ParseDigest(str string) (Digest, error) {
	parts := strings.SplitN(str, "/", 2)
	if len(parts) != 2 {
		return Digest{}, fmt.Errorf("%s: invalid digest", str)
	}

	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return Digest{}, fmt.Errorf("%s: invalid digest size", str)
	}

	return NewDigest(parts[0], size)
}

func NewDigest(hexStr string, size int64) (Digest, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return Digest{}, fmt.Errorf("%s: invalid fingerprint: %w", hexStr, err)
	}

	if len(b) != FingerprintSize {
		return Digest{}, fmt.Errorf("%s: fingerprint must be %d bytes, got %d", hexStr, FingerprintSize, len(b))
	}

	var d Digest
	copy(d.Fingerprint[:], b)
	d.SizeBytes = size
	return d, nil
}

func FromBytes(contents []byte) Digest {
	return Digest{Fingerprint: sha256.Sum256(contents), SizeBytes: int64(len(contents))}
}

func FromHash(h hash.Hash, size int64) Digest {
	var d Digest
	copy(d.Fingerprint[:], h.Sum(nil))
	d.SizeBytes = size
	return d
}

// FromReader consumes r and returns the digest of everything read.
func FromReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, err
	}
	return FromHash(h, n), nil
}

// DigestOf returns a digest over the canonical serialization of vals: protos are marshalled
// deterministically, byte slices are used as-is, everything else is JSON encoded (which
// sorts map keys).
func DigestOf(vals ...interface{}) (Digest, error) {
	h := sha256.New()
	var total int64
	for _, v := range vals {
		n, err := serializeBytes(h, v)
		if err != nil {
			return Digest{}, err
		}
		total += int64(n)
	}
	return FromHash(h, total), nil
}

func serializeBytes(w io.Writer, v interface{}) (int, error) {
	var b []byte
	var err error
	switch x := v.(type) {
	case proto.Message:
		b, err = (proto.MarshalOptions{Deterministic: true}).Marshal(x)
	case []byte:
		b = x
	case string:
		b = []byte(x)
	default:
		b, err = json.Marshal(v)
	}

	if err != nil {
		return 0, err
	}

	return w.Write(b)
}

func (d Digest) Proto() *repb.Digest {
	return &repb.Digest{Hash: d.Hex(), SizeBytes: d.SizeBytes}
}

func FromProto(d *repb.Digest) (Digest, error) {
	if d == nil {
		return Digest{}, fmt.Errorf("missing digest")
	}
	return NewDigest(d.GetHash(), d.GetSizeBytes())
}

// DigestOfProto serializes msg deterministically, returning both the bytes and their digest.
func DigestOfProto(msg proto.Message) ([]byte, Digest, error) {
	b, err := (proto.MarshalOptions{Deterministic: true}).Marshal(msg)
	if err != nil {
		return nil, Digest{}, err
	}
	return b, FromBytes(b), nil
}
