package gifseq

import (
	"bytes"
	"compress/lzw"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type row struct {
	Y   int
	Pix []byte
}

type decoded struct {
	Bounds      image.Rectangle
	Delay       time.Duration
	Transparent int
	Disposal    Disposal
	Colors      int
	Rows        []row
}

func decodeAll(t *testing.T, d *Decoder) []decoded {
	t.Helper()
	var out []decoded
	for {
		var rows []row
		f, err := d.Next(func(_ *Frame, y int, idx []byte) error {
			rows = append(rows, row{Y: y, Pix: append([]byte(nil), idx...)})
			return nil
		})
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next() failed: %v", err)
		}
		out = append(out, decoded{
			Bounds:      f.Bounds,
			Delay:       f.Delay,
			Transparent: f.Transparent,
			Disposal:    f.Disposal,
			Colors:      len(f.Palette),
			Rows:        rows,
		})
	}
}

var testPalette = color.Palette{
	color.RGBA{0xFF, 0, 0, 0xFF},
	color.RGBA{0, 0xFF, 0, 0xFF},
	color.RGBA{0, 0, 0xFF, 0xFF},
	color.RGBA{0, 0, 0, 0},
}

func encodeGIF(t *testing.T) []byte {
	t.Helper()
	a := image.NewPaletted(image.Rect(0, 0, 4, 3), testPalette)
	for i := range a.Pix {
		a.Pix[i] = uint8(i % 3)
	}
	b := image.NewPaletted(image.Rect(1, 1, 3, 3), testPalette)
	copy(b.Pix, []uint8{3, 1, 2, 3})
	var buf bytes.Buffer
	err := gif.EncodeAll(&buf, &gif.GIF{
		Image:     []*image.Paletted{a, b},
		Delay:     []int{5, 0},
		Disposal:  []byte{gif.DisposalBackground, gif.DisposalNone},
		LoopCount: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecodeSequence(t *testing.T) {
	d, err := Open(bytes.NewReader(encodeGIF(t)))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if d.Width() != 4 || d.Height() != 3 {
		t.Errorf("logical screen %dx%d, want 4x3", d.Width(), d.Height())
	}
	want := []decoded{
		{
			Bounds:      image.Rect(0, 0, 4, 3),
			Delay:       50 * time.Millisecond,
			Transparent: 3,
			Disposal:    DisposalBackground,
			Colors:      4,
			Rows: []row{
				{0, []byte{0, 1, 2, 0}},
				{1, []byte{1, 2, 0, 1}},
				{2, []byte{2, 0, 1, 2}},
			},
		},
		{
			Bounds:      image.Rect(1, 1, 3, 3),
			Transparent: 3,
			Disposal:    DisposalNone,
			Colors:      4,
			Rows: []row{
				{1, []byte{3, 1}},
				{2, []byte{2, 3}},
			},
		},
	}
	if diff := cmp.Diff(decodeAll(t, d), want); diff != "" {
		t.Errorf("frames difference (-got +want):\n%s", diff)
	}
	if d.LoopCount() != 0 {
		t.Errorf("LoopCount() = %d, want 0", d.LoopCount())
	}
}

func TestRewind(t *testing.T) {
	d, err := Open(bytes.NewReader(encodeGIF(t)))
	if err != nil {
		t.Fatal(err)
	}
	first := decodeAll(t, d)
	if err := d.Rewind(); err != nil {
		t.Fatalf("Rewind() failed: %v", err)
	}
	if diff := cmp.Diff(decodeAll(t, d), first); diff != "" {
		t.Errorf("second pass difference (-got +want):\n%s", diff)
	}
}

type rawFrame struct {
	bounds     image.Rectangle
	interlaced bool
	// pix is in stored order.
	pix []byte
}

// rawGIF writes a GIF by hand. colors is the global table size, 0 for none.
func rawGIF(t *testing.T, w, h, colors, litWidth int, frames []rawFrame, trailer bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	le := binary.LittleEndian
	buf.WriteString("GIF89a")
	binary.Write(&buf, le, uint16(w))
	binary.Write(&buf, le, uint16(h))
	var flags byte
	if colors > 0 {
		bits := 0
		for 1<<(bits+1) < colors {
			bits++
		}
		flags = flagColorTable | byte(bits)
	}
	buf.Write([]byte{flags, 0, 0})
	for i := 0; i < colors; i++ {
		c := byte(i * 16)
		buf.Write([]byte{c, c, c})
	}
	for _, f := range frames {
		buf.WriteByte(sectionImage)
		binary.Write(&buf, le, uint16(f.bounds.Min.X))
		binary.Write(&buf, le, uint16(f.bounds.Min.Y))
		binary.Write(&buf, le, uint16(f.bounds.Dx()))
		binary.Write(&buf, le, uint16(f.bounds.Dy()))
		var fl byte
		if f.interlaced {
			fl |= flagInterlace
		}
		buf.WriteByte(fl)
		buf.WriteByte(byte(litWidth))

		var data bytes.Buffer
		lz := lzw.NewWriter(&data, lzw.LSB, litWidth)
		if _, err := lz.Write(f.pix); err != nil {
			t.Fatal(err)
		}
		lz.Close()
		b := data.Bytes()
		for len(b) > 0 {
			n := min(len(b), 255)
			buf.WriteByte(byte(n))
			buf.Write(b[:n])
			b = b[n:]
		}
		buf.WriteByte(0)
	}
	if trailer {
		buf.WriteByte(sectionTrailer)
	}
	return buf.Bytes()
}

func TestInterlacedRowOrder(t *testing.T) {
	const h = 10
	order := []int{0, 8, 4, 2, 6, 1, 3, 5, 7, 9}
	var pix []byte
	for _, y := range order {
		pix = append(pix, byte(y), byte(y))
	}
	data := rawGIF(t, 2, h, 16, 4, []rawFrame{{bounds: image.Rect(0, 0, 2, h), interlaced: true, pix: pix}}, true)
	d, err := Open(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	var got []int
	f, err := d.Next(func(_ *Frame, y int, idx []byte) error {
		if int(idx[0]) != y {
			t.Errorf("row %d carries pixels of row %d", y, idx[0])
		}
		got = append(got, y)
		return nil
	})
	if err != nil {
		t.Fatalf("Next() failed: %v", err)
	}
	if !f.Interlaced {
		t.Error("frame not reported interlaced")
	}
	if diff := cmp.Diff(got, order); diff != "" {
		t.Errorf("row order difference (-got +want):\n%s", diff)
	}
}

func TestMissingTrailer(t *testing.T) {
	data := rawGIF(t, 2, 2, 4, 2, []rawFrame{{bounds: image.Rect(0, 0, 2, 2), pix: []byte{0, 1, 2, 3}}}, false)
	d, err := Open(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if got := decodeAll(t, d); len(got) != 1 {
		t.Errorf("decoded %d frames, want 1", len(got))
	}
}

func TestRowFuncError(t *testing.T) {
	d, err := Open(bytes.NewReader(encodeGIF(t)))
	if err != nil {
		t.Fatal(err)
	}
	stop := errors.New("stop")
	calls := 0
	_, err = d.Next(func(*Frame, int, []byte) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("Next() = %v, want %v", err, stop)
	}
	if calls != 1 {
		t.Errorf("callback ran %d times after failing", calls)
	}
}

func TestErrors(t *testing.T) {
	one := []rawFrame{{bounds: image.Rect(0, 0, 2, 2), pix: []byte{0, 1, 2, 3}}}
	valid := rawGIF(t, 2, 2, 4, 2, one, true)
	headerLen := 13 + 3*4

	for _, tc := range []struct {
		name   string
		data   []byte
		atOpen bool
		want   Code
	}{
		{"bad signature", append([]byte("GIF90a"), valid[6:]...), true, BadSignature},
		{"short signature", []byte("GIF"), true, BadSignature},
		{"zero width", rawGIF(t, 0, 2, 4, 2, nil, true), true, BadHeader},
		{"truncated color table", valid[:headerLen-2], true, BadHeader},
		{"no frames", valid[:headerLen], false, BadBlock},
		{"unknown block", append(append([]byte(nil), valid[:headerLen]...), 0x99), false, BadBlock},
		{"no color table", rawGIF(t, 2, 2, 0, 2, one, true), false, NoColorTable},
		{"index out of range", rawGIF(t, 2, 2, 4, 4, []rawFrame{{bounds: image.Rect(0, 0, 2, 2), pix: []byte{0, 9, 1, 1}}}, true), false, BadFrame},
		{"truncated descriptor", valid[:headerLen+5], false, BadFrame},
		{"truncated data", valid[:headerLen+10+2], false, BadFrame},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Open(bytes.NewReader(tc.data))
			if tc.atOpen {
				if got := CodeOf(err); got != tc.want {
					t.Errorf("Open() code = %s (%v), want %s", got, err, tc.want)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open() failed: %v", err)
			}
			_, err = d.Next(func(*Frame, int, []byte) error { return nil })
			if got := CodeOf(err); got != tc.want {
				t.Errorf("Next() code = %s (%v), want %s", got, err, tc.want)
			}
		})
	}
}

func TestBadLiteralWidth(t *testing.T) {
	data := rawGIF(t, 2, 2, 4, 2, []rawFrame{{bounds: image.Rect(0, 0, 2, 2), pix: []byte{0, 1, 2, 3}}}, true)
	// The literal width byte follows the 10 byte image descriptor.
	data[13+3*4+10] = 9
	d, err := Open(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Next(func(*Frame, int, []byte) error { return nil })
	if CodeOf(err) != BadLZW {
		t.Errorf("Next() code = %s, want %s", CodeOf(err), BadLZW)
	}
}
