// Package preprocess turns a study image into the float32 tensor the
// inference models consume.
package preprocess

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/errors"
	"github.com/savaki/radstream/internal/metadata"
	xdraw "golang.org/x/image/draw"
)

// Chest X-ray window/level
const (
	ChestWindow = 1500.0
	ChestLevel  = -600.0
)

// Tensor is a batch of one channel-first RGB image
type Tensor struct {
	// Shape is always [1, 3, size, size]
	Shape [4]int
	// Data is laid out batch, channel, row, column
	Data []float32
	// OriginalWidth and OriginalHeight are the decoded image dimensions
	OriginalWidth  int
	OriginalHeight int
}

// Stats summarizes the normalized pixel values
type Stats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Prepare decodes an image and produces the model input tensor. Chest X-rays
// (modality X-RAY, body_part CHEST) get window/level normalization.
func Prepare(data []byte, md map[string]any) (*Tensor, error) {
	return PrepareSize(data, md, constants.TensorSize)
}

// PrepareSize is Prepare with an explicit square output edge
func PrepareSize(data []byte, md map[string]any, size int) (*Tensor, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrImageDecode, err)
	}

	bounds := src.Bounds()
	resized := Resize(src, size)
	window := NeedsChestWindow(md)

	t := &Tensor{
		Shape:          [4]int{1, 3, size, size},
		Data:           make([]float32, 3*size*size),
		OriginalWidth:  bounds.Dx(),
		OriginalHeight: bounds.Dy(),
	}

	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := resized.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := float64(resized.Pix[i+c]) / 255.0
				if window {
					v = ApplyWindow(v, ChestWindow, ChestLevel)
				}
				t.Data[c*plane+y*size+x] = float32(v)
			}
		}
	}

	return t, nil
}

// Resize converts src to RGB and scales it to size x size with a Lanczos-3
// filter. Alpha is dropped, not composited: straight RGB values are kept.
func Resize(src image.Image, size int) *image.RGBA {
	b := src.Bounds()
	rgb := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			i := rgb.PixOffset(x-b.Min.X, y-b.Min.Y)
			rgb.Pix[i+0] = c.R
			rgb.Pix[i+1] = c.G
			rgb.Pix[i+2] = c.B
			rgb.Pix[i+3] = 0xff
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	lanczos3.Scale(dst, dst.Bounds(), rgb, rgb.Bounds(), xdraw.Src, nil)
	return dst
}

var lanczos3 = &xdraw.Kernel{
	Support: 3,
	At: func(t float64) float64 {
		if t < 0 {
			t = -t
		}
		if t == 0 {
			return 1
		}
		if t >= 3 {
			return 0
		}
		pt := math.Pi * t
		return 3 * math.Sin(pt) * math.Sin(pt/3) / (pt * pt)
	},
}

// ApplyWindow maps a [0,1] intensity into Hounsfield units and applies the
// window/level remap, clamped to [0,1]
func ApplyWindow(v, window, level float64) float64 {
	hu := v*4095 - 1024
	out := (hu - level + window/2) / window
	return math.Max(0, math.Min(1, out))
}

// NeedsChestWindow reports whether the sidecar describes a chest X-ray
func NeedsChestWindow(md map[string]any) bool {
	return metadata.String(md, "modality") == "X-RAY" && metadata.String(md, "body_part") == "CHEST"
}

// ShapeSlice returns the shape as a slice for JSON transport
func (t *Tensor) ShapeSlice() []int {
	return t.Shape[:]
}

// Bytes returns the tensor as little-endian float32 values
func (t *Tensor) Bytes() []byte {
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// Base64 returns Bytes encoded with standard base64
func (t *Tensor) Base64() string {
	return base64.StdEncoding.EncodeToString(t.Bytes())
}

// Stats returns mean, population standard deviation, min and max
func (t *Tensor) Stats() Stats {
	if len(t.Data) == 0 {
		return Stats{}
	}

	var sum float64
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range t.Data {
		f := float64(v)
		sum += f
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}
	mean := sum / float64(len(t.Data))

	var sq float64
	for _, v := range t.Data {
		d := float64(v) - mean
		sq += d * d
	}

	return Stats{
		Mean: mean,
		Std:  math.Sqrt(sq / float64(len(t.Data))),
		Min:  lo,
		Max:  hi,
	}
}

// Decode parses little-endian float32 bytes back into values
func Decode(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("tensor byte length %d is not a multiple of 4", len(data))
	}
	values := make([]float32, len(data)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return values, nil
}
