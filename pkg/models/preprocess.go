package models

import (
	"bytes"
	"image"
	"image/color"

	// Register the image formats accepted on prediction paths.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// MinImageDimension is the minimum width and height accepted for input images.
// Anything smaller cannot carry enough signal to classify and is rejected as a
// client error.
const MinImageDimension = 32

// Pipeline converts raw encoded image bytes into the flat feature vector a
// network consumes. One pipeline is built per loaded model, matching that
// model's input dimensions. Pipelines are stateless and safe for concurrent
// use.
type Pipeline struct {
	inputWidth  int
	inputHeight int
}

// newPipeline creates the preprocessing pipeline for a model with the given
// input dimensions.
func newPipeline(inputWidth, inputHeight int) *Pipeline {
	return &Pipeline{
		inputWidth:  inputWidth,
		inputHeight: inputHeight,
	}
}

// Run decodes, validates, resizes, and normalizes one image. The result is a
// vector of length inputWidth*inputHeight with luminance values in [0, 1].
func (p *Pipeline) Run(imageBytes []byte) ([]float64, error) {
	if len(imageBytes) == 0 {
		return nil, &InvalidImageError{Reason: "empty image data"}
	}

	img, format, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, &InvalidImageError{Reason: "undecodable image data", Err: err}
	}

	bounds := img.Bounds()
	if bounds.Dx() < MinImageDimension || bounds.Dy() < MinImageDimension {
		return nil, &InvalidImageError{
			Reason: "image below minimum dimensions",
			Err:    errTooSmall(bounds.Dx(), bounds.Dy(), format),
		}
	}

	// Resize to the model's input dimensions unless the image already matches.
	if bounds.Dx() != p.inputWidth || bounds.Dy() != p.inputHeight {
		resized := image.NewRGBA(image.Rect(0, 0, p.inputWidth, p.inputHeight))
		draw.ApproxBiLinear.Scale(resized, resized.Bounds(), img, bounds, draw.Src, nil)
		img = resized
		bounds = resized.Bounds()
	}

	// Flatten to normalized luminance, row-major.
	out := make([]float64, 0, p.inputWidth*p.inputHeight)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			out = append(out, float64(gray.Y)/255.0)
		}
	}
	return out, nil
}

// InputWidth returns the pipeline's target width.
func (p *Pipeline) InputWidth() int {
	return p.inputWidth
}

// InputHeight returns the pipeline's target height.
func (p *Pipeline) InputHeight() int {
	return p.inputHeight
}

type dimensionError struct {
	width, height int
	format        string
}

func errTooSmall(width, height int, format string) error {
	return &dimensionError{width: width, height: height, format: format}
}

func (e *dimensionError) Error() string {
	return "decoded " + e.format + " image is smaller than the minimum supported dimensions"
}
