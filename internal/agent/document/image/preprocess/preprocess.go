// Package preprocess prepares scanned images for OCR.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

var ErrNilImage = errors.New("preprocess: image is nil")

// Step transforms one image.
type Step interface {
	Process(img image.Image) (image.Image, error)
}

// StepFunc adapts a function to Step.
type StepFunc func(img image.Image) (image.Image, error)

func (f StepFunc) Process(img image.Image) (image.Image, error) { return f(img) }

// Pipeline applies steps in order.
type Pipeline []Step

func (p Pipeline) Apply(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, ErrNilImage
	}
	var err error
	for i, s := range p {
		img, err = s.Process(img)
		if err != nil {
			return nil, fmt.Errorf("preprocess step %d: %w", i, err)
		}
		if img == nil {
			return nil, fmt.Errorf("preprocess step %d: %w", i, ErrNilImage)
		}
	}
	return img, nil
}

type Config struct {
	// MinWidth upscales narrower images; tesseract struggles below ~1000px.
	MinWidth        int
	DenoiseStrength float64
	Contrast        float64
	SharpenStrength float64
	// Binarize enables adaptive thresholding.
	Binarize          bool
	AdaptiveBlockSize int
	AdaptiveConstant  float64
}

func DefaultConfig() Config {
	return Config{
		MinWidth:          1000,
		DenoiseStrength:   0.5,
		Contrast:          20,
		SharpenStrength:   0.5,
		Binarize:          false,
		AdaptiveBlockSize: 15,
		AdaptiveConstant:  8,
	}
}

// New builds the pipeline described by cfg.
func New(cfg Config) Pipeline {
	p := Pipeline{Upscale(cfg.MinWidth), Grayscale()}
	if cfg.DenoiseStrength > 0 {
		p = append(p, Denoise(cfg.DenoiseStrength))
	}
	if cfg.Contrast != 0 {
		p = append(p, Contrast(cfg.Contrast))
	}
	if cfg.SharpenStrength > 0 {
		p = append(p, Sharpen(cfg.SharpenStrength))
	}
	if cfg.Binarize {
		p = append(p, AdaptiveThreshold(cfg.AdaptiveBlockSize, cfg.AdaptiveConstant))
	}
	return p
}

func Grayscale() Step {
	return StepFunc(func(img image.Image) (image.Image, error) {
		return imaging.Grayscale(img), nil
	})
}

// Upscale enlarges images narrower than minWidth, keeping the aspect ratio.
func Upscale(minWidth int) Step {
	return StepFunc(func(img image.Image) (image.Image, error) {
		if minWidth <= 0 || img.Bounds().Dx() >= minWidth {
			return img, nil
		}
		return imaging.Resize(img, minWidth, 0, imaging.Lanczos), nil
	})
}

// Denoise applies a gaussian blur of the given sigma.
func Denoise(sigma float64) Step {
	return StepFunc(func(img image.Image) (image.Image, error) {
		return imaging.Blur(img, sigma), nil
	})
}

func Contrast(percent float64) Step {
	return StepFunc(func(img image.Image) (image.Image, error) {
		return imaging.AdjustContrast(img, percent), nil
	})
}

func Sharpen(sigma float64) Step {
	return StepFunc(func(img image.Image) (image.Image, error) {
		return imaging.Sharpen(img, sigma), nil
	})
}

// AdaptiveThreshold binarizes against the mean of a blockSize window, using an
// integral image so the cost does not depend on the window size.
func AdaptiveThreshold(blockSize int, constant float64) Step {
	if blockSize < 3 {
		blockSize = 3
	}
	half := blockSize / 2
	return StepFunc(func(img image.Image) (image.Image, error) {
		gray := imaging.Grayscale(img)
		b := gray.Bounds()
		w, h := b.Dx(), b.Dy()

		lum := func(x, y int) int {
			return int(color.GrayModel.Convert(gray.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y)
		}
		sum := make([]int, (w+1)*(h+1))
		for y := 0; y < h; y++ {
			row := 0
			for x := 0; x < w; x++ {
				row += lum(x, y)
				sum[(y+1)*(w+1)+x+1] = sum[y*(w+1)+x+1] + row
			}
		}

		out := image.NewGray(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			y0, y1 := max(0, y-half), min(h-1, y+half)
			for x := 0; x < w; x++ {
				x0, x1 := max(0, x-half), min(w-1, x+half)
				area := (x1 - x0 + 1) * (y1 - y0 + 1)
				total := sum[(y1+1)*(w+1)+x1+1] - sum[y0*(w+1)+x1+1] - sum[(y1+1)*(w+1)+x0] + sum[y0*(w+1)+x0]
				mean := float64(total) / float64(area)
				if float64(lum(x, y)) < mean-constant {
					out.SetGray(x, y, color.Gray{Y: 0})
				} else {
					out.SetGray(x, y, color.Gray{Y: 255})
				}
			}
		}
		return out, nil
	})
}
