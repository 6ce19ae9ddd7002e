// Package fixtures generates synthetic studies for uploads, benchmarks and
// end-to-end tests.
package fixtures

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"strings"
	"time"

	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/metadata"
)

// Image kinds
const (
	ChestXRay   = "chest_xray"
	TestPattern = "test_pattern"
)

// Default synthetic image edge
const DefaultSize = 512

// JPEGQuality is the encoder quality of synthetic images
const JPEGQuality = 85

// Study ID formats
const (
	BatchIDFormat     = "TEST-%06d"
	LoadTestIDFormat  = "LOAD-%06d"
	BenchmarkIDFormat = "BENCH-%06d"
)

// SyntheticImage renders an image of the given kind. chest_xray is a grayscale
// gradient, anything else is a flat mid-gray RGB image.
func SyntheticImage(kind string, width, height int) image.Image {
	if kind != ChestXRay {
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		gray := color.RGBA{R: 128, G: 128, B: 128, A: 255}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.SetRGBA(x, y, gray)
			}
		}
		return img
	}

	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := 0; i < height; i++ {
		for j := 0; j < width; j++ {
			// each term truncates toward zero on its own
			v := 128 + int(50*(float64(i)/float64(height)-0.5)) + int(30*(float64(j)/float64(width)-0.5))
			img.SetGray(j, i, color.Gray{Y: clampByte(v)})
		}
	}
	return img
}

func clampByte(v int) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v)
	}
}

// EncodeJPEG encodes an image at JPEGQuality
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// NewSidecar returns the metadata of a synthetic chest X-ray study
func NewSidecar(studyID string, now time.Time) metadata.Sidecar {
	return metadata.Sidecar{
		StudyID:         studyID,
		View:            "PA",
		Timestamp:       now.UTC().Format(time.RFC3339),
		PatientID:       "PAT-" + randomHex(4),
		StudyDate:       now.UTC().Format("2006-01-02"),
		Modality:        "X-RAY",
		BodyPart:        "CHEST",
		ImageSize:       &metadata.ImageSize{Width: DefaultSize, Height: DefaultSize},
		Annotations:     []any{},
		PipelineVersion: constants.PipelineVersion,
		TestData:        true,
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return strings.ToUpper(hex.EncodeToString(b))
}

// Study is an image and its sidecar, ready to upload
type Study struct {
	ID          string
	Image       []byte
	Metadata    []byte
	ImageKey    string
	MetadataKey string
}

// NewStudy renders a synthetic study
func NewStudy(studyID, kind string, now time.Time) (*Study, error) {
	img, err := EncodeJPEG(SyntheticImage(kind, DefaultSize, DefaultSize))
	if err != nil {
		return nil, err
	}

	md, err := json.MarshalIndent(NewSidecar(studyID, now), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sidecar: %w", err)
	}

	imageKey, metadataKey := Keys(studyID)
	return &Study{
		ID:          studyID,
		Image:       img,
		Metadata:    md,
		ImageKey:    imageKey,
		MetadataKey: metadataKey,
	}, nil
}

// Keys returns the image and sidecar object keys of a study
func Keys(studyID string) (imageKey, metadataKey string) {
	base := fmt.Sprintf("%s%s/%s", constants.ImagesPrefix, studyID, studyID)
	return base + ".jpg", base + ".json"
}

// StudyIDFromFilename derives a study id from an image file name: the stem up
// to its first '-', prefixed with STUDY-
func StudyIDFromFilename(name string) string {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	head, _, _ := strings.Cut(stem, "-")
	return "STUDY-" + head
}

// IsImageFile reports whether name has an image extension sidecars are
// generated for
func IsImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}
