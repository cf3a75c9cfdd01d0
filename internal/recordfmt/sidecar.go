package recordfmt

import "errors"

// SidecarHeader is the 4-byte tag prefixing a base's auxiliary
// sidecar files (currently just `.index.sorted.bloom`), letting a
// reader distinguish what produced the file and at which layout
// version before trusting its payload.
//
//	signature (1 byte, 'e' = 0x65)
//	kind      (1 byte, identifies the sidecar)
//	version   (1 byte)
//	flags     (1 byte, reserved)
const (
	sidecarSignature  = 'e'
	SidecarHeaderSize = 4

	SidecarKindBloom byte = 'b'
)

var (
	ErrSidecarTooSmall  = errors.New("recordfmt: sidecar header too small")
	ErrSidecarSignature = errors.New("recordfmt: sidecar signature mismatch")
	ErrSidecarKind      = errors.New("recordfmt: sidecar kind mismatch")
)

// SidecarHeader is the common prefix of an auxiliary base sidecar.
type SidecarHeader struct {
	Kind    byte
	Version byte
	Flags   byte
}

// Encode returns the 4-byte on-disk form of h.
func (h SidecarHeader) Encode() [SidecarHeaderSize]byte {
	return [SidecarHeaderSize]byte{sidecarSignature, h.Kind, h.Version, h.Flags}
}

// DecodeSidecarHeader reads and validates a sidecar header from the
// front of buf and returns it. The header always occupies the first
// SidecarHeaderSize bytes of buf.
func DecodeSidecarHeader(buf []byte, wantKind byte) (SidecarHeader, error) {
	if len(buf) < SidecarHeaderSize {
		return SidecarHeader{}, ErrSidecarTooSmall
	}
	if buf[0] != sidecarSignature {
		return SidecarHeader{}, ErrSidecarSignature
	}
	if buf[1] != wantKind {
		return SidecarHeader{}, ErrSidecarKind
	}
	return SidecarHeader{Kind: buf[1], Version: buf[2], Flags: buf[3]}, nil
}
