package imagescale

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func fixturePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func TestScaleShortestSide768(t *testing.T) {
	src := fixturePNG(t, 1080, 1920)
	result, err := Scale(src, 1080, 1920, TargetShortestSide768)
	if err != nil {
		t.Fatalf("Scale: %v", err)
	}
	if result.WidthScaled != 768 {
		t.Fatalf("got widthScaled=%d, want 768", result.WidthScaled)
	}
	wantScaleX := float64(1080) / float64(768)
	if result.ScaleX != wantScaleX {
		t.Fatalf("got scaleX=%v, want %v", result.ScaleX, wantScaleX)
	}
}

func TestScaleLongestSide1568(t *testing.T) {
	src := fixturePNG(t, 1080, 1920)
	result, err := Scale(src, 1080, 1920, TargetLongestSide1568)
	if err != nil {
		t.Fatalf("Scale: %v", err)
	}
	if result.HeightScaled != 1568 {
		t.Fatalf("got heightScaled=%d, want 1568", result.HeightScaled)
	}
}

func TestScaleOutputIsValidPNG(t *testing.T) {
	src := fixturePNG(t, 600, 800)
	result, err := Scale(src, 600, 800, TargetShortestSide768)
	if err != nil {
		t.Fatalf("Scale: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(result.PNG)); err != nil {
		t.Fatalf("scaled output is not a valid PNG: %v", err)
	}
}

func TestTargetFor(t *testing.T) {
	cases := []struct {
		model string
		want  Target
	}{
		{"gpt-4o", TargetShortestSide768},
		{"claude-3-5-sonnet", TargetLongestSide1568},
		{"Claude-Opus-4", TargetLongestSide1568},
		{"", TargetShortestSide768},
	}
	for _, c := range cases {
		if got := TargetFor(c.model); got != c.want {
			t.Errorf("TargetFor(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}
