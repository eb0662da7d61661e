// Package bmp streams uncompressed Windows bitmaps to a screen one row at a
// time, without ever holding a full frame in memory.
//
// Only 24 and 32 bit images are accepted. Images larger than the screen are
// cropped from the top-left corner; nothing is scaled.
package bmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Code enumerates decode outcomes. Zero is success.
type Code int

const (
	OK Code = iota
	NotRecognized
	HeaderTooSmall
	BadPlanes
	UnsupportedDepth
	UnsupportedCompression
	BadDimensions
	OpenFailed
	SeekFailed
	ShortRead
	DisplayFailed
)

var codeNames = [...]string{
	OK:                     "ok",
	NotRecognized:          "not a bitmap",
	HeaderTooSmall:         "header too small",
	BadPlanes:              "bad plane count",
	UnsupportedDepth:       "unsupported depth",
	UnsupportedCompression: "unsupported compression",
	BadDimensions:          "bad dimensions",
	OpenFailed:             "open failed",
	SeekFailed:             "seek failed",
	ShortRead:              "short read",
	DisplayFailed:          "display write failed",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is returned by every failing decode.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bmp: %s: %v", e.Code, e.Err)
	}
	return "bmp: " + e.Code.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(c Code, err error) error {
	return &Error{Code: c, Err: err}
}

// CodeOf extracts the code from an error returned by this package.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Code(-1)
}

// Compression is the DIB compression tag.
type Compression uint32

const (
	CompressionNone      Compression = 0
	CompressionBitfields Compression = 3
)

const (
	fileHeaderLen = 14
	// minInfoLen is the size of BITMAPINFOHEADER, the smallest header that
	// carries everything needed here.
	minInfoLen = 40
)

// Header is the subset of the file and info headers the decoder uses.
type Header struct {
	InfoSize     uint32
	Width        int32
	Height       int32
	Planes       uint16
	BitsPerPixel uint16
	Compression  Compression
	PixelOffset  uint32
}

// BottomUp reports whether rows are stored last row first.
func (h Header) BottomUp() bool {
	return h.Height > 0
}

// Rows is the absolute image height.
func (h Header) Rows() int {
	if h.Height < 0 {
		return int(-int64(h.Height))
	}
	return int(h.Height)
}

// BytesPerPixel is 3 or 4.
func (h Header) BytesPerPixel() int {
	return int(h.BitsPerPixel) / 8
}

// Stride is the row size in the file, padded to 4 bytes.
func (h Header) Stride() int64 {
	return (int64(h.Width)*int64(h.BitsPerPixel) + 31) / 32 * 4
}

// ReadHeader reads and validates the headers. It stops at the first
// violation: signature, header size, planes, depth, compression, dimensions.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	var buf [fileHeaderLen + minInfoLen]byte

	if _, err := io.ReadFull(r, buf[:2]); err != nil {
		return h, fail(NotRecognized, err)
	}
	if buf[0] != 'B' || buf[1] != 'M' {
		return h, fail(NotRecognized, nil)
	}
	if _, err := io.ReadFull(r, buf[2:fileHeaderLen+4]); err != nil {
		return h, fail(HeaderTooSmall, err)
	}
	h.PixelOffset = binary.LittleEndian.Uint32(buf[10:])
	h.InfoSize = binary.LittleEndian.Uint32(buf[14:])
	if h.InfoSize < minInfoLen {
		return h, fail(HeaderTooSmall, fmt.Errorf("info header is %d bytes", h.InfoSize))
	}
	if _, err := io.ReadFull(r, buf[fileHeaderLen+4:]); err != nil {
		return h, fail(HeaderTooSmall, err)
	}
	h.Width = int32(binary.LittleEndian.Uint32(buf[18:]))
	h.Height = int32(binary.LittleEndian.Uint32(buf[22:]))
	h.Planes = binary.LittleEndian.Uint16(buf[26:])
	h.BitsPerPixel = binary.LittleEndian.Uint16(buf[28:])
	h.Compression = Compression(binary.LittleEndian.Uint32(buf[30:]))

	if h.Planes != 1 {
		return h, fail(BadPlanes, fmt.Errorf("%d planes", h.Planes))
	}
	if h.BitsPerPixel != 24 && h.BitsPerPixel != 32 {
		return h, fail(UnsupportedDepth, fmt.Errorf("%d bits per pixel", h.BitsPerPixel))
	}
	switch {
	case h.Compression == CompressionNone:
	case h.Compression == CompressionBitfields && h.BitsPerPixel == 32:
	default:
		return h, fail(UnsupportedCompression, fmt.Errorf("compression %d at %d bits", h.Compression, h.BitsPerPixel))
	}
	if h.Width <= 0 || h.Height == 0 {
		return h, fail(BadDimensions, fmt.Errorf("%dx%d", h.Width, h.Height))
	}
	return h, nil
}
