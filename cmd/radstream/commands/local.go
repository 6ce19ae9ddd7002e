package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/fixtures"
	"github.com/savaki/radstream/internal/metadata"
	"github.com/savaki/radstream/internal/preprocess"
	"github.com/urfave/cli/v2"
)

// writeSidecars writes outDir/{stem}.json for every image in dir and returns
// the paths written
func writeSidecars(dir, outDir string, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var images []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && fixtures.IsImageFile(entry.Name()) {
			images = append(images, entry.Name())
		}
	}
	slices.Sort(images)
	if len(images) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", outDir, err)
	}

	var written []string
	for _, name := range images {
		sidecar := fixtures.NewSidecar(fixtures.StudyIDFromFilename(name), now)
		sidecar.TestData = false

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return written, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			sidecar.ImageSize = &metadata.ImageSize{Width: cfg.Width, Height: cfg.Height}
		} else {
			sidecar.ImageSize = nil
		}

		out, err := json.MarshalIndent(sidecar, "", "  ")
		if err != nil {
			return written, err
		}

		stem := strings.TrimSuffix(name, filepath.Ext(name))
		path := filepath.Join(outDir, stem+".json")
		if err := os.WriteFile(path, out, 0644); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func validateFile(path string) (metadata.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return metadata.Result{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	doc, err := metadata.Parse(data)
	if err != nil {
		return metadata.Result{Valid: false, Errors: []string{err.Error()}}, nil
	}
	return metadata.Validate(doc), nil
}

// preprocessFile runs the model transform over a local image. The sidecar is
// optional and only selects chest windowing.
func preprocessFile(imagePath, metadataPath string) (*preprocess.Tensor, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", imagePath, err)
	}

	md := map[string]any{}
	if metadataPath != "" {
		raw, err := os.ReadFile(metadataPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", metadataPath, err)
		}
		if md, err = metadata.Parse(raw); err != nil {
			return nil, err
		}
	}

	return preprocess.Prepare(data, md)
}

// MetadataCommand returns the metadata command for writing sidecars next to local images
func MetadataCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "metadata",
		Usage: "Write sidecar metadata for every jpg and png in a directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Directory holding test images",
				Value: "test_images",
			},
			&cli.StringFlag{
				Name:  "output",
				Usage: "Directory sidecars are written to, defaults to {dir}/metadata",
			},
		},
		Action: func(c *cli.Context) error {
			dir := c.String("dir")
			outDir := c.String("output")
			if outDir == "" {
				outDir = filepath.Join(dir, "metadata")
			}

			written, err := writeSidecars(dir, outDir, time.Now())
			for _, path := range written {
				fmt.Printf("✅ Created: %s\n", filepath.Base(path))
			}
			if err != nil {
				return err
			}

			fmt.Printf("\n✅ Created %d metadata file(s) in %s\n", len(written), outDir)
			logger.Debug().Int("files", len(written)).Msg("sidecars written")
			return nil
		},
	}
}

// ValidateCommand returns the validate command for checking a local sidecar
func ValidateCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate a local sidecar metadata file",
		ArgsUsage: "<file.json>",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("a sidecar file is required")
			}

			result, err := validateFile(path)
			if err != nil {
				return err
			}

			if result.Valid {
				fmt.Printf("✅ %s is valid\n", path)
				return nil
			}

			fmt.Printf("❌ %s is invalid:\n", path)
			for _, e := range result.Errors {
				fmt.Printf("  - %s\n", e)
			}
			logger.Debug().Strs("errors", result.Errors).Msg("validation failed")
			return fmt.Errorf("%d validation errors", len(result.Errors))
		},
	}
}

// PreprocessCommand returns the preprocess command for running the model transform locally
func PreprocessCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "preprocess",
		Usage:     "Run the model input transform on a local image",
		ArgsUsage: "<image>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "metadata",
				Usage: "Sidecar file; chest X-rays get window/level normalization",
			},
			&cli.StringFlag{
				Name:  "output",
				Usage: "Write the raw little-endian float32 tensor to this file",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("an image file is required")
			}

			started := time.Now()
			tensor, err := preprocessFile(path, c.String("metadata"))
			if err != nil {
				return err
			}
			elapsed := time.Since(started)

			stats := tensor.Stats()
			fmt.Printf("Image:     %s (%dx%d)\n", path, tensor.OriginalWidth, tensor.OriginalHeight)
			fmt.Printf("Shape:     %v\n", tensor.ShapeSlice())
			fmt.Printf("Mean:      %.6f\n", stats.Mean)
			fmt.Printf("Std:       %.6f\n", stats.Std)
			fmt.Printf("Min:       %.6f\n", stats.Min)
			fmt.Printf("Max:       %.6f\n", stats.Max)
			fmt.Printf("Elapsed:   %dms\n", elapsed.Milliseconds())

			if output := c.String("output"); output != "" {
				if err := os.WriteFile(output, tensor.Bytes(), 0644); err != nil {
					return fmt.Errorf("failed to write %s: %w", output, err)
				}
				logger.Info().Str("path", output).Int("bytes", len(tensor.Data)*4).Msg("wrote tensor")
			}
			return nil
		},
	}
}
