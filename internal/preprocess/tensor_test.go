package preprocess

import (
	"bytes"
	"encoding/base64"
	stderrors "errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"testing"

	"github.com/savaki/radstream/internal/errors"
	"pgregory.net/rapid"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func uniformRGBA(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestPrepare_ShapeAndLength(t *testing.T) {
	data := encodePNG(t, uniformRGBA(512, 384, color.RGBA{R: 128, G: 128, B: 128, A: 255}))

	tensor, err := Prepare(data, map[string]any{"modality": "CT"})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	if tensor.Shape != [4]int{1, 3, 224, 224} {
		t.Errorf("shape = %v", tensor.Shape)
	}
	if len(tensor.Data) != 3*224*224 {
		t.Errorf("len(data) = %d", len(tensor.Data))
	}
	if tensor.OriginalWidth != 512 || tensor.OriginalHeight != 384 {
		t.Errorf("original size = %dx%d", tensor.OriginalWidth, tensor.OriginalHeight)
	}
	if got := len(tensor.Bytes()); got != 4*3*224*224 {
		t.Errorf("len(bytes) = %d", got)
	}

	stats := tensor.Stats()
	if math.Abs(stats.Mean-128.0/255.0) > 1.0/255.0 {
		t.Errorf("mean = %v, want about %v", stats.Mean, 128.0/255.0)
	}
	if stats.Std > 1.0/255.0 {
		t.Errorf("std = %v, want about 0", stats.Std)
	}
}

func TestPrepare_ChannelFirstLayout(t *testing.T) {
	data := encodePNG(t, uniformRGBA(64, 64, color.RGBA{R: 255, G: 0, B: 0, A: 255}))

	tensor, err := PrepareSize(data, nil, 8)
	if err != nil {
		t.Fatalf("PrepareSize() error = %v", err)
	}

	plane := 8 * 8
	for i := 0; i < plane; i++ {
		if tensor.Data[i] < 0.99 {
			t.Fatalf("red plane value %d = %v, want 1", i, tensor.Data[i])
		}
		if tensor.Data[plane+i] > 0.01 || tensor.Data[2*plane+i] > 0.01 {
			t.Fatalf("green/blue plane value %d not zero", i)
		}
	}
}

func TestPrepare_TransparentPNG(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 0})
		}
	}

	tensor, err := PrepareSize(encodePNG(t, img), nil, 8)
	if err != nil {
		t.Fatalf("PrepareSize() error = %v", err)
	}

	for i, v := range tensor.Data {
		if v < 0.99 {
			t.Fatalf("value %d = %v, want 1 for transparent white", i, v)
		}
	}
}

func TestPrepare_ChestWindow(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}

	md := map[string]any{"modality": "X-RAY", "body_part": "CHEST"}
	tensor, err := PrepareSize(buf.Bytes(), md, 16)
	if err != nil {
		t.Fatalf("PrepareSize() error = %v", err)
	}

	want := ApplyWindow(0, ChestWindow, ChestLevel)
	for i, v := range tensor.Data {
		if math.Abs(float64(v)-want) > 0.035 {
			t.Fatalf("value %d = %v, want about %v", i, v, want)
		}
	}
}

func TestPrepare_InvalidImage(t *testing.T) {
	_, err := Prepare([]byte("not an image"), nil)
	if !stderrors.Is(err, errors.ErrImageDecode) {
		t.Errorf("Prepare() error = %v, want ErrImageDecode", err)
	}
}

func TestApplyWindow(t *testing.T) {
	tests := []struct {
		name string
		v    float64
		want float64
	}{
		{"black", 0, 326.0 / 1500.0},
		{"white saturates", 1, 1},
		{"mid", 0.1, (409.5 + 326.0) / 1500.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyWindow(tt.v, ChestWindow, ChestLevel)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ApplyWindow(%v) = %v, want %v", tt.v, got, tt.want)
			}
		})
	}
}

func TestApplyWindow_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Float64Range(0, 1).Draw(t, "a")
		b := rapid.Float64Range(0, 1).Draw(t, "b")
		window := rapid.Float64Range(1, 4000).Draw(t, "window")
		level := rapid.Float64Range(-1500, 1500).Draw(t, "level")

		wa := ApplyWindow(a, window, level)
		wb := ApplyWindow(b, window, level)
		if wa < 0 || wa > 1 {
			t.Fatalf("ApplyWindow(%v) = %v out of range", a, wa)
		}
		if a <= b && wa > wb {
			t.Fatalf("ApplyWindow not monotonic: f(%v)=%v > f(%v)=%v", a, wa, b, wb)
		}
	})
}

func TestBytesRoundTrip(t *testing.T) {
	tensor := &Tensor{Data: []float32{0, 0.5, 1, -2.25}}

	raw, err := base64.StdEncoding.DecodeString(tensor.Base64())
	if err != nil {
		t.Fatalf("invalid base64: %v", err)
	}
	values, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	for i := range values {
		if values[i] != tensor.Data[i] {
			t.Errorf("value %d = %v, want %v", i, values[i], tensor.Data[i])
		}
	}

	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated data")
	}
}

func TestStats(t *testing.T) {
	tensor := &Tensor{Data: []float32{0, 1, 0, 1}}
	got := tensor.Stats()
	if got.Mean != 0.5 || got.Std != 0.5 || got.Min != 0 || got.Max != 1 {
		t.Errorf("Stats() = %+v", got)
	}

	if (&Tensor{}).Stats() != (Stats{}) {
		t.Error("expected zero stats for empty tensor")
	}
}
