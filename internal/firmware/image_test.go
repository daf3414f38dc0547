package firmware

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// makeImage builds an image file with the given version code and length
// (in flash words) whose payload bytes count up from the header end.
func makeImage(versionCode, length uint16, id string, size int) []byte {
	data := make([]byte, size)
	data[4] = byte(versionCode)
	data[5] = byte(versionCode >> 8)
	data[6] = byte(length)
	data[7] = byte(length >> 8)
	copy(data[8:12], id)
	for i := FileHeaderLen; i < size; i++ {
		data[i] = byte(i)
	}
	return data
}

func TestParseHeader(t *testing.T) {
	h, err := ParseHeader([]byte{0x07, 0x00, 0x00, 0x10, 'S', 'P', 'L', 'N'})
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if h.VersionCode != 7 || h.Length != 4096 || h.ImageID != "SPLN" {
		t.Errorf("ParseHeader() = %+v", h)
	}
	if h.Version() != 3 {
		t.Errorf("Version() = %d, want 3", h.Version())
	}
	if h.Slot() != SlotB {
		t.Errorf("Slot() = %v, want B", h.Slot())
	}
	if h.String() != "SPLN-3-B" {
		t.Errorf("String() = %q, want SPLN-3-B", h.String())
	}
}

func TestParseHeaderWithoutID(t *testing.T) {
	h, err := ParseHeader([]byte{0x04, 0x00, 0x00, 0x10})
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if h.Slot() != SlotA || h.String() != "-----2-A" {
		t.Errorf("header = %+v (%s)", h, h)
	}
}

func TestParseHeaderShort(t *testing.T) {
	_, err := ParseHeader([]byte{0x01, 0x00})
	if !errors.Is(err, ErrShortHeader) {
		t.Errorf("ParseHeader() error = %v, want ErrShortHeader", err)
	}
}

func TestBlocks(t *testing.T) {
	h := Header{Length: 4096}
	if got := h.Blocks(); got != 1024 {
		t.Errorf("Blocks() = %d, want 1024", got)
	}
}

func TestTransferRequest(t *testing.T) {
	got := TransferRequest(Header{VersionCode: 0x0102, Length: 0x2000, ImageID: "AB"})
	want := []byte{0x02, 0x01, 0x00, 0x20, 'A', 'B', 0, 0, 12, 0, 15, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("TransferRequest() = % x, want % x", got, want)
	}
}

func TestReadImage(t *testing.T) {
	raw := makeImage(6, 8, "SPLN", 64)
	img, err := ReadImage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadImage() error = %v", err)
	}
	if img.Header.VersionCode != 6 || img.Header.Length != 8 || img.Header.ImageID != "SPLN" {
		t.Errorf("Header = %+v", img.Header)
	}
	if img.BlockCount() != 2 {
		t.Errorf("BlockCount() = %d, want 2", img.BlockCount())
	}
}

func TestReadImageErrors(t *testing.T) {
	if _, err := ReadImage(bytes.NewReader(make([]byte, 6))); !errors.Is(err, ErrShortHeader) {
		t.Errorf("short image error = %v, want ErrShortHeader", err)
	}
	if _, err := ReadImage(bytes.NewReader(make([]byte, MaxImageSize+1))); !errors.Is(err, ErrImageTooLarge) {
		t.Errorf("large image error = %v, want ErrImageTooLarge", err)
	}
}

func TestBlockEncoding(t *testing.T) {
	raw := makeImage(6, 8, "SPLN", 40)
	img, err := ReadImage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadImage() error = %v", err)
	}

	b1 := img.Block(1)
	if len(b1) != 2+BlockSize {
		t.Fatalf("len(Block(1)) = %d, want %d", len(b1), 2+BlockSize)
	}
	if b1[0] != 1 || b1[1] != 0 {
		t.Errorf("Block(1) index = % x, want 01 00", b1[:2])
	}
	if !bytes.Equal(b1[2:], raw[16:32]) {
		t.Errorf("Block(1) payload = % x, want % x", b1[2:], raw[16:32])
	}

	// Block 2 is partially past the end and zero padded.
	b2 := img.Block(2)
	if !bytes.Equal(b2[2:10], raw[32:40]) {
		t.Errorf("Block(2) head = % x, want % x", b2[2:10], raw[32:40])
	}
	if !bytes.Equal(b2[10:], make([]byte, 8)) {
		t.Errorf("Block(2) tail = % x, want zeros", b2[10:])
	}

	// Entirely past the end.
	if !bytes.Equal(img.Block(9)[2:], make([]byte, BlockSize)) {
		t.Error("Block(9) payload should be all zero")
	}
}

func TestVersionFromFile(t *testing.T) {
	raw := makeImage(9, 8, "SPLN", 32)
	if got := VersionFromFile(bytes.NewReader(raw)); got != "SPLN-4-B" {
		t.Errorf("VersionFromFile() = %q, want SPLN-4-B", got)
	}
	if got := VersionFromFile(strings.NewReader("xx")); got != "Unknown" {
		t.Errorf("VersionFromFile(short) = %q, want Unknown", got)
	}
}

func TestDigestStable(t *testing.T) {
	raw := makeImage(6, 8, "SPLN", 64)
	a, _ := ReadImage(bytes.NewReader(raw))
	b, _ := ReadImage(bytes.NewReader(raw))
	if a.Digest() != b.Digest() || len(a.Digest()) != 64 {
		t.Errorf("Digest() = %q / %q", a.Digest(), b.Digest())
	}
	raw[20] ^= 0xff
	c, _ := ReadImage(bytes.NewReader(raw))
	if c.Digest() == a.Digest() {
		t.Error("Digest() should change with image content")
	}
}
