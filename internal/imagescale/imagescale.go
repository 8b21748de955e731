// Package imagescale implements the Image Scaler: a pure function that
// resizes a screenshot to a provider-specific target and records inverse
// scale factors for coordinate rescaling (§4.3, Design Notes §9).
package imagescale

import (
	"bytes"
	"image"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
)

// Target names a provider family's resize convention (§4.2: "shortest side
// 768 for OpenAI-like models, longest side 1568 for Claude-like models").
type Target string

const (
	TargetShortestSide768 Target = "shortest-side-768"
	TargetLongestSide1568 Target = "longest-side-1568"
)

// Result carries the resized PNG plus the scale factors needed to map
// model-space coordinates back to device space (§3 "Screen Snapshot").
type Result struct {
	PNG           []byte
	WidthScaled   int
	HeightScaled  int
	ScaleX        float64 // deviceWidth / widthScaled
	ScaleY        float64 // deviceHeight / heightScaled
}

// Scale resizes pngBytes (a device screenshot of deviceWidth x deviceHeight)
// to the given Target. It is a pure function: no I/O beyond the in-memory
// decode/encode (Design Notes §9 "Image scaling").
func Scale(pngBytes []byte, deviceWidth, deviceHeight int, target Target) (Result, error) {
	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return Result{}, err
	}

	resized := resizeFor(img, deviceWidth, deviceHeight, target)
	bounds := resized.Bounds()
	widthScaled, heightScaled := bounds.Dx(), bounds.Dy()

	var buf bytes.Buffer
	if err := png.Encode(&buf, resized); err != nil {
		return Result{}, err
	}

	return Result{
		PNG:          buf.Bytes(),
		WidthScaled:  widthScaled,
		HeightScaled: heightScaled,
		ScaleX:       float64(deviceWidth) / float64(widthScaled),
		ScaleY:       float64(deviceHeight) / float64(heightScaled),
	}, nil
}

// TargetFor picks the resize convention for a model name, per §4.2/§4.3:
// Claude-family models get the longest-side convention, everything else
// (OpenAI-compatible default) gets shortest-side.
func TargetFor(modelName string) Target {
	if strings.Contains(strings.ToLower(modelName), "claude") {
		return TargetLongestSide1568
	}
	return TargetShortestSide768
}

func resizeFor(img image.Image, deviceWidth, deviceHeight int, target Target) image.Image {
	switch target {
	case TargetLongestSide1568:
		if deviceWidth >= deviceHeight {
			return imaging.Resize(img, 1568, 0, imaging.Lanczos)
		}
		return imaging.Resize(img, 0, 1568, imaging.Lanczos)
	default: // TargetShortestSide768
		if deviceWidth <= deviceHeight {
			return imaging.Resize(img, 768, 0, imaging.Lanczos)
		}
		return imaging.Resize(img, 0, 768, imaging.Lanczos)
	}
}
