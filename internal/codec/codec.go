// Package codec turns CRDT updates into the compact frames that travel
// between sessions, and back.
//
// Frame layout:
//
//	'T' 'D' | version | compression | uvarint(body length) | body
//
// The body is the deterministic CBOR encoding of a crdt.Update, optionally
// compressed. Frames are carried as standard base64 text inside protocol
// messages.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/manpreetbhatti/tandem/internal/crdt"
)

const (
	magic0  byte = 'T'
	magic1  byte = 'D'
	version byte = 1

	headerSize = 4

	// maxBodySize bounds the declared uncompressed length so a hostile
	// header cannot force a huge allocation.
	maxBodySize = 64 << 20
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: cbor encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 24,
		MaxMapPairs:      1 << 20,
		UTF8:             cbor.UTF8RejectInvalid,
	}.DecMode()
	if err != nil {
		panic("codec: cbor decoder initialization failed: " + err.Error())
	}
}

// EncodeFull encodes everything the document knows, for joiners and
// reconnect resyncs.
func EncodeFull(doc *crdt.Doc) ([]byte, error) {
	return EncodeUpdate(doc.Diff(nil), CompressionZstd)
}

// EncodeDelta encodes what doc knows beyond since.
func EncodeDelta(doc *crdt.Doc, since crdt.StateVector) ([]byte, error) {
	return EncodeUpdate(doc.Diff(since), CompressionLZ4)
}

// EncodeUpdate frames u, compressing with want when the body is large
// enough to benefit.
func EncodeUpdate(u crdt.Update, want Compression) ([]byte, error) {
	body, err := encMode.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return frame(body, want), nil
}

// Decode parses a frame produced by EncodeFull, EncodeDelta or
// EncodeUpdate. Every failure is a *CodecError.
func Decode(b []byte) (crdt.Update, error) {
	body, err := unframe(b)
	if err != nil {
		return crdt.Update{}, err
	}
	var u crdt.Update
	if err := decMode.Unmarshal(body, &u); err != nil {
		return crdt.Update{}, malformed("invalid body", err)
	}
	if err := u.Validate(); err != nil {
		return crdt.Update{}, malformed("invalid update", err)
	}
	return u, nil
}

// EncodeStateVector frames a state vector for the JOIN handshake.
func EncodeStateVector(sv crdt.StateVector) ([]byte, error) {
	if sv == nil {
		sv = crdt.StateVector{}
	}
	body, err := encMode.Marshal(sv)
	if err != nil {
		return nil, fmt.Errorf("encode state vector: %w", err)
	}
	return frame(body, CompressionNone), nil
}

// DecodeStateVector parses a frame produced by EncodeStateVector.
func DecodeStateVector(b []byte) (crdt.StateVector, error) {
	body, err := unframe(b)
	if err != nil {
		return nil, err
	}
	sv := crdt.StateVector{}
	if err := decMode.Unmarshal(body, &sv); err != nil {
		return nil, malformed("invalid state vector", err)
	}
	return sv, nil
}

// EncodeText renders a frame for text transports.
func EncodeText(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeText reverses EncodeText. Padding is required.
func DecodeText(s string) ([]byte, error) {
	b, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, malformed("invalid base64", err)
	}
	return b, nil
}

func frame(body []byte, want Compression) []byte {
	stored, tag := compress(body, want)
	out := make([]byte, 0, headerSize+binary.MaxVarintLen64+len(stored))
	out = append(out, magic0, magic1, version, byte(tag))
	out = binary.AppendUvarint(out, uint64(len(body)))
	return append(out, stored...)
}

func unframe(b []byte) ([]byte, error) {
	if len(b) < headerSize {
		return nil, malformed("truncated header", nil)
	}
	if b[0] != magic0 || b[1] != magic1 {
		return nil, malformed("bad magic", nil)
	}
	if b[2] != version {
		return nil, malformed(fmt.Sprintf("unsupported version %d", b[2]), nil)
	}
	tag := Compression(b[3])
	if tag > CompressionZstd {
		return nil, malformed(fmt.Sprintf("unknown compression tag %d", b[3]), nil)
	}
	size, n := binary.Uvarint(b[headerSize:])
	if n <= 0 {
		return nil, malformed("truncated length", nil)
	}
	if size > maxBodySize {
		return nil, malformed(fmt.Sprintf("body length %d exceeds limit", size), nil)
	}
	body, err := decompress(b[headerSize+n:], tag, int(size))
	if err != nil {
		return nil, malformed("corrupt body", err)
	}
	return body, nil
}
