// Package gifseq decodes GIF image sequences one frame at a time.
//
// Unlike image/gif it never materializes a frame: decoded palette indices
// are handed to a callback one row at a time, so memory use is one row plus
// the color tables regardless of the image size.
package gifseq

import (
	"bufio"
	"compress/lzw"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"time"
)

// Code enumerates decode outcomes. Zero is success.
type Code int

const (
	OK Code = iota
	BadSignature
	BadHeader
	BadBlock
	BadFrame
	BadLZW
	IOError
	NoColorTable
)

var codeNames = [...]string{
	OK:           "ok",
	BadSignature: "not a gif",
	BadHeader:    "bad logical screen descriptor",
	BadBlock:     "bad block",
	BadFrame:     "bad frame",
	BadLZW:       "bad lzw data",
	IOError:      "i/o error",
	NoColorTable: "no color table",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is returned for malformed or unreadable input.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gif: %s: %v", e.Code, e.Err)
	}
	return "gif: " + e.Code.String()
}

func (e *Error) Unwrap() error {
	return e.Err
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

func fail(c Code, err error) error {
	return &Error{Code: c, Err: err}
}

// readFail maps a truncated read to c and anything else to IOError.
func readFail(c Code, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fail(c, io.ErrUnexpectedEOF)
	}
	return fail(IOError, err)
}

// Disposal is what happens to a frame's area before the next one is drawn.
type Disposal uint8

const (
	DisposalUnspecified Disposal = 0
	DisposalNone        Disposal = 1
	DisposalBackground  Disposal = 2
	DisposalPrevious    Disposal = 3
)

// Frame describes the frame whose rows are being delivered.
type Frame struct {
	// Bounds is the frame rectangle in logical screen coordinates.
	Bounds      image.Rectangle
	Delay       time.Duration
	Transparent int // palette index, -1 if none
	Disposal    Disposal
	Palette     color.Palette
	Interlaced  bool
}

// RowFunc receives one decoded row. y is in logical screen coordinates and
// indices has Bounds.Dx() entries. indices is reused for the next row.
//
// An error returned by RowFunc aborts the frame and is returned unchanged
// by Next.
type RowFunc func(f *Frame, y int, indices []byte) error

const (
	sectionExtension  = 0x21
	sectionImage      = 0x2C
	sectionTrailer    = 0x3B
	extGraphicControl = 0xF9
	extApplication    = 0xFF

	flagColorTable = 0x80
	flagInterlace  = 0x40
	gceTransparent = 0x01
)

// Decoder is a decoding session over one file. It is not safe for
// concurrent use.
type Decoder struct {
	src    io.ReadSeeker
	r      *bufio.Reader
	start  int64
	width  int
	height int
	global color.Palette
	loops  int

	// Pending graphic control extension, consumed by the next image.
	gce struct {
		set         bool
		delay       time.Duration
		transparent int
		disposal    Disposal
	}
	frames int
	frame  Frame
	row    []byte
	tmp    [256]byte
}

// Open validates the signature and logical screen descriptor and reads the
// global color table.
func Open(r io.ReadSeeker) (*Decoder, error) {
	d := &Decoder{src: r, r: bufio.NewReader(r), loops: -1}
	if _, err := io.ReadFull(d.r, d.tmp[:6]); err != nil {
		return nil, readFail(BadSignature, err)
	}
	if sig := string(d.tmp[:6]); sig != "GIF87a" && sig != "GIF89a" {
		return nil, fail(BadSignature, nil)
	}
	if _, err := io.ReadFull(d.r, d.tmp[:7]); err != nil {
		return nil, readFail(BadHeader, err)
	}
	d.width = int(binary.LittleEndian.Uint16(d.tmp[0:2]))
	d.height = int(binary.LittleEndian.Uint16(d.tmp[2:4]))
	if d.width == 0 || d.height == 0 {
		return nil, fail(BadHeader, fmt.Errorf("logical screen %dx%d", d.width, d.height))
	}
	flags := d.tmp[4]
	d.start = 13
	if flags&flagColorTable != 0 {
		p, err := d.readPalette(flags)
		if err != nil {
			return nil, err
		}
		d.global = p
		d.start += int64(3 * len(p))
	}
	return d, nil
}

// Width is the logical screen width.
func (d *Decoder) Width() int { return d.width }

// Height is the logical screen height.
func (d *Decoder) Height() int { return d.height }

// LoopCount is the NETSCAPE2.0 loop count seen so far: -1 when absent, 0
// for forever.
func (d *Decoder) LoopCount() int { return d.loops }

// Rewind positions the decoder at the first frame again.
func (d *Decoder) Rewind() error {
	if _, err := d.src.Seek(d.start, io.SeekStart); err != nil {
		return fail(IOError, err)
	}
	d.r.Reset(d.src)
	d.gce.set = false
	d.frames = 0
	return nil
}

// Next decodes the next frame, calling fn for every row in the order rows
// are stored. It returns io.EOF at the trailer. A file that ends cleanly on
// a block boundary after at least one frame is treated as having a trailer.
// The returned Frame is overwritten by the following call.
func (d *Decoder) Next(fn RowFunc) (*Frame, error) {
	for {
		c, err := d.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && d.frames > 0 {
				return nil, io.EOF
			}
			return nil, readFail(BadBlock, err)
		}
		switch c {
		case sectionExtension:
			if err := d.readExtension(); err != nil {
				return nil, err
			}
		case sectionImage:
			if err := d.readImage(fn); err != nil {
				return nil, err
			}
			d.frames++
			return &d.frame, nil
		case sectionTrailer:
			return nil, io.EOF
		default:
			return nil, fail(BadBlock, fmt.Errorf("unknown block type %#02x", c))
		}
	}
}

func (d *Decoder) readPalette(flags byte) (color.Palette, error) {
	n := 1 << (flags&0x07 + 1)
	buf := make([]byte, 3*n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, readFail(BadHeader, err)
	}
	p := make(color.Palette, n)
	for i := range p {
		p[i] = color.RGBA{buf[3*i], buf[3*i+1], buf[3*i+2], 0xFF}
	}
	return p, nil
}

func (d *Decoder) readExtension() error {
	label, err := d.r.ReadByte()
	if err != nil {
		return readFail(BadBlock, err)
	}
	switch label {
	case extGraphicControl:
		if _, err := io.ReadFull(d.r, d.tmp[:6]); err != nil {
			return readFail(BadBlock, err)
		}
		if d.tmp[0] != 4 || d.tmp[5] != 0 {
			return fail(BadBlock, errors.New("malformed graphic control extension"))
		}
		flags := d.tmp[1]
		d.gce.set = true
		d.gce.delay = time.Duration(binary.LittleEndian.Uint16(d.tmp[2:4])) * 10 * time.Millisecond
		d.gce.disposal = Disposal(flags>>2) & 0x07
		d.gce.transparent = -1
		if flags&gceTransparent != 0 {
			d.gce.transparent = int(d.tmp[4])
		}
		return nil
	case extApplication:
		n, err := d.r.ReadByte()
		if err != nil {
			return readFail(BadBlock, err)
		}
		if _, err := io.ReadFull(d.r, d.tmp[:n]); err != nil {
			return readFail(BadBlock, err)
		}
		if n == 11 && string(d.tmp[:11]) == "NETSCAPE2.0" {
			return d.readLoopCount()
		}
		return d.skipBlocks()
	default:
		return d.skipBlocks()
	}
}

func (d *Decoder) readLoopCount() error {
	for {
		n, err := d.r.ReadByte()
		if err != nil {
			return readFail(BadBlock, err)
		}
		if n == 0 {
			return nil
		}
		if _, err := io.ReadFull(d.r, d.tmp[:n]); err != nil {
			return readFail(BadBlock, err)
		}
		if n == 3 && d.tmp[0] == 1 {
			d.loops = int(binary.LittleEndian.Uint16(d.tmp[1:3]))
		}
	}
}

func (d *Decoder) skipBlocks() error {
	for {
		n, err := d.r.ReadByte()
		if err != nil {
			return readFail(BadBlock, err)
		}
		if n == 0 {
			return nil
		}
		if _, err := d.r.Discard(int(n)); err != nil {
			return readFail(BadBlock, err)
		}
	}
}

func (d *Decoder) readImage(fn RowFunc) error {
	if _, err := io.ReadFull(d.r, d.tmp[:9]); err != nil {
		return readFail(BadFrame, err)
	}
	left := int(binary.LittleEndian.Uint16(d.tmp[0:2]))
	top := int(binary.LittleEndian.Uint16(d.tmp[2:4]))
	w := int(binary.LittleEndian.Uint16(d.tmp[4:6]))
	h := int(binary.LittleEndian.Uint16(d.tmp[6:8]))
	flags := d.tmp[8]
	if w == 0 || h == 0 {
		return fail(BadFrame, fmt.Errorf("empty frame %dx%d", w, h))
	}

	f := &d.frame
	*f = Frame{
		Bounds:      image.Rect(left, top, left+w, top+h),
		Transparent: -1,
		Palette:     d.global,
		Interlaced:  flags&flagInterlace != 0,
	}
	if d.gce.set {
		f.Delay = d.gce.delay
		f.Transparent = d.gce.transparent
		f.Disposal = d.gce.disposal
		d.gce.set = false
	}
	if flags&flagColorTable != 0 {
		p, err := d.readPalette(flags)
		if err != nil {
			return err
		}
		f.Palette = p
	}
	if len(f.Palette) == 0 {
		return fail(NoColorTable, nil)
	}

	litWidth, err := d.r.ReadByte()
	if err != nil {
		return readFail(BadFrame, err)
	}
	if litWidth < 2 || litWidth > 8 {
		return fail(BadLZW, fmt.Errorf("literal width %d", litWidth))
	}
	br := &blockReader{r: d.r}
	lz := lzw.NewReader(br, lzw.LSB, int(litWidth))
	defer lz.Close()

	if cap(d.row) < w {
		d.row = make([]byte, w)
	}
	row := d.row[:w]
	il := interlace{height: h, on: f.Interlaced}
	for i := 0; i < h; i++ {
		if _, err := io.ReadFull(lz, row); err != nil {
			if br.err != nil {
				return readFail(BadFrame, br.err)
			}
			return fail(BadLZW, err)
		}
		for _, p := range row {
			if int(p) >= len(f.Palette) && int(p) != f.Transparent {
				return fail(BadFrame, fmt.Errorf("color index %d out of range", p))
			}
		}
		if err := fn(f, top+il.next(), row); err != nil {
			return err
		}
	}
	if err := br.drain(); err != nil {
		return readFail(BadFrame, err)
	}
	return nil
}

// interlace yields the stored order of rows: every 8th from 0, every 8th
// from 4, every 4th from 2, then every 2nd from 1.
type interlace struct {
	height int
	on     bool
	pass   int
	y      int
	n      int
}

var interlacePasses = [4]struct{ start, step int }{{0, 8}, {4, 8}, {2, 4}, {1, 2}}

func (il *interlace) next() int {
	if !il.on {
		y := il.n
		il.n++
		return y
	}
	if il.n == 0 {
		il.y = 0
	}
	il.n++
	for il.y >= il.height && il.pass < len(interlacePasses)-1 {
		il.pass++
		il.y = interlacePasses[il.pass].start
	}
	y := il.y
	il.y += interlacePasses[il.pass].step
	return y
}

// blockReader presents a chain of data sub-blocks as one stream. It
// implements io.ByteReader so the LZW reader does not read past the chain.
type blockReader struct {
	r    *bufio.Reader
	n    int
	done bool
	err  error
}

func (b *blockReader) fill() bool {
	for b.n == 0 {
		if b.done || b.err != nil {
			return false
		}
		size, err := b.r.ReadByte()
		if err != nil {
			b.err = unexpected(err)
			return false
		}
		if size == 0 {
			b.done = true
			return false
		}
		b.n = int(size)
	}
	return true
}

func (b *blockReader) ReadByte() (byte, error) {
	if !b.fill() {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	c, err := b.r.ReadByte()
	if err != nil {
		b.err = unexpected(err)
		return 0, b.err
	}
	b.n--
	return c, nil
}

func (b *blockReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !b.fill() {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	if len(p) > b.n {
		p = p[:b.n]
	}
	n, err := b.r.Read(p)
	b.n -= n
	if err != nil {
		b.err = unexpected(err)
	}
	return n, b.err
}

// drain skips whatever is left of the chain, including its terminator.
func (b *blockReader) drain() error {
	for {
		if b.n > 0 {
			if _, err := b.r.Discard(b.n); err != nil {
				return unexpected(err)
			}
			b.n = 0
		}
		if !b.fill() {
			return b.err
		}
	}
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
