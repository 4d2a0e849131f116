package preprocess

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkerboard(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: 240, G: 240, B: 240, A: 255}
			if x >= w/4 && x < w/2 && y >= h/4 && y < h/2 {
				c = color.RGBA{R: 10, G: 10, B: 10, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPipeline_UpscalesNarrowImages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinWidth = 200
	out, err := New(cfg).Apply(checkerboard(100, 50))
	require.NoError(t, err)
	assert.Equal(t, 200, out.Bounds().Dx())
	assert.Equal(t, 100, out.Bounds().Dy())
}

func TestPipeline_Errors(t *testing.T) {
	_, err := New(DefaultConfig()).Apply(nil)
	assert.ErrorIs(t, err, ErrNilImage)

	boom := errors.New("boom")
	p := Pipeline{Grayscale(), StepFunc(func(img image.Image) (image.Image, error) { return nil, boom })}
	_, err = p.Apply(checkerboard(10, 10))
	assert.ErrorIs(t, err, boom)
}

func TestAdaptiveThreshold_Binarizes(t *testing.T) {
	out, err := AdaptiveThreshold(15, 8).Process(checkerboard(64, 64))
	require.NoError(t, err)
	gray, ok := out.(*image.Gray)
	require.True(t, ok)

	// the dark square's edge stands out from its bright neighbourhood
	assert.Equal(t, uint8(0), gray.GrayAt(16, 16).Y)
	assert.Equal(t, uint8(255), gray.GrayAt(60, 60).Y)
	for _, px := range gray.Pix {
		assert.Contains(t, []uint8{0, 255}, px)
	}
}
