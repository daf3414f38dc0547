// Package firmware implements the image format and wire records of the
// over-the-air download (OAD) protocol: image headers, A/B slot parity,
// the transfer-request record and fixed-size image blocks.
package firmware

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Image file layout:
//
//	uint16 crc0     (skipped)
//	uint16 crc1     (skipped)
//	uint16 version
//	uint16 length   (in 4-byte flash words)
//	uint8  imgID[4]
//	uint8  reserved[4]
const (
	IDSize        = 4
	HeaderSize    = 2 + 2 + IDSize // version + length + image id
	headerOffset  = 4              // after crc0 and crc1
	FileHeaderLen = headerOffset + HeaderSize + 4

	// BlockSize is the payload carried by one block write. Blocks avoid
	// long (blob) writes on the device side.
	BlockSize     = 16
	FlashWordSize = 4

	// MaxImageSize is the largest image the device bootloader accepts.
	MaxImageSize = 126976

	// Trailer fields of the transfer request, required by the bootloader.
	requestTrailerA = 12
	requestTrailerB = 15
)

var (
	// ErrShortHeader is returned when fewer bytes than a header are given.
	ErrShortHeader = errors.New("firmware: header too short")
	// ErrImageTooLarge is returned for images above MaxImageSize.
	ErrImageTooLarge = errors.New("firmware: image too large")
	// ErrVersionUnknown is returned when an upload is attempted before the
	// device has reported the image it is running.
	ErrVersionUnknown = errors.New("firmware: version on device unknown")
)

// Slot is one of the two alternating image banks.
type Slot int

const (
	SlotA Slot = iota
	SlotB
)

func (s Slot) String() string {
	if s == SlotA {
		return "A"
	}
	return "B"
}

// Header is the image identification record shared by image files and the
// device's identify notification. Fields are little-endian on the wire.
type Header struct {
	VersionCode uint16
	Length      uint16
	ImageID     string
}

// ParseHeader decodes a header. The device's identify notification may
// carry only the version and length; the image ID is then left empty.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < 4 {
		return Header{}, fmt.Errorf("%w: got %d bytes", ErrShortHeader, len(b))
	}
	h := Header{
		VersionCode: binary.LittleEndian.Uint16(b[0:2]),
		Length:      binary.LittleEndian.Uint16(b[2:4]),
	}
	if len(b) >= HeaderSize {
		h.ImageID = string(b[4:HeaderSize])
	}
	return h, nil
}

// Version is the version number without the slot bit.
func (h Header) Version() int {
	return int(h.VersionCode >> 1)
}

// Slot is derived from the parity of the version code.
func (h Header) Slot() Slot {
	if h.VersionCode&1 == 0 {
		return SlotA
	}
	return SlotB
}

// Blocks is the number of blocks needed to transfer the image.
func (h Header) Blocks() int {
	return int(h.Length) / (BlockSize / FlashWordSize)
}

func (h Header) String() string {
	id := h.ImageID
	if id == "" {
		id = "----"
	}
	return fmt.Sprintf("%s-%d-%s", id, h.Version(), h.Slot())
}

// TransferRequest encodes the 12-byte record written to the identify
// characteristic to announce a transfer.
func TransferRequest(h Header) []byte {
	out := make([]byte, 12)
	binary.LittleEndian.PutUint16(out[0:2], h.VersionCode)
	binary.LittleEndian.PutUint16(out[2:4], h.Length)
	copy(out[4:8], padID(h.ImageID))
	binary.LittleEndian.PutUint16(out[8:10], requestTrailerA)
	binary.LittleEndian.PutUint16(out[10:12], requestTrailerB)
	return out
}

func padID(id string) []byte {
	b := make([]byte, IDSize)
	copy(b, id)
	return b
}

// Image is a firmware image held fully in memory.
type Image struct {
	Header Header
	Data   []byte
}

// ReadImage reads a complete image and parses its header.
func ReadImage(r io.Reader) (*Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("firmware: read image: %w", err)
	}
	if len(data) > MaxImageSize {
		return nil, ErrImageTooLarge
	}
	if len(data) < headerOffset+HeaderSize {
		return nil, fmt.Errorf("%w: image is %d bytes", ErrShortHeader, len(data))
	}
	h, err := ParseHeader(data[headerOffset : headerOffset+HeaderSize])
	if err != nil {
		return nil, err
	}
	return &Image{Header: h, Data: data}, nil
}

// VersionFromFile returns the "ID-version-slot" string of the image read
// from r, or "Unknown" if no header can be read.
func VersionFromFile(r io.Reader) string {
	buf := make([]byte, FileHeaderLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "Unknown"
	}
	h, err := ParseHeader(buf[headerOffset : headerOffset+HeaderSize])
	if err != nil {
		return "Unknown"
	}
	return h.String()
}

// BlockCount is the number of blocks the header announces.
func (img *Image) BlockCount() int {
	return img.Header.Blocks()
}

// Block encodes block i: a little-endian block index followed by BlockSize
// payload bytes. Bytes past the end of the image are sent as zero.
func (img *Image) Block(i int) []byte {
	out := make([]byte, 2+BlockSize)
	binary.LittleEndian.PutUint16(out[0:2], uint16(i))
	start := i * BlockSize
	if start < len(img.Data) {
		copy(out[2:], img.Data[start:min(start+BlockSize, len(img.Data))])
	}
	return out
}

// Digest returns the hex BLAKE2b-256 digest of the image bytes.
func (img *Image) Digest() string {
	sum := blake2b.Sum256(img.Data)
	return hex.EncodeToString(sum[:])
}
