package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
)

func encodeTestImage(t *testing.T, w, h int, fill color.RGBA, format string) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, fill)
		}
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})
	case "png":
		err = png.Encode(&buf, img)
	default:
		t.Fatalf("unknown format %s", format)
	}
	if err != nil {
		t.Fatalf("encode %s: %v", format, err)
	}
	return buf.Bytes()
}

func TestDecodeAndPreprocessShape(t *testing.T) {
	for _, format := range []string{"jpeg", "png"} {
		t.Run(format, func(t *testing.T) {
			data := encodeTestImage(t, 37, 61, color.RGBA{R: 200, G: 100, B: 50, A: 255}, format)

			processor := NewImageProcessor(16)
			img, err := processor.DecodeAndPreprocess(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("DecodeAndPreprocess failed: %v", err)
			}

			if img.Width != 16 || img.Height != 16 || img.Channels != 3 {
				t.Errorf("dims = %dx%dx%d, expected 16x16x3", img.Width, img.Height, img.Channels)
			}
			if len(img.Data) != 3*16*16 {
				t.Errorf("data length = %d, expected %d", len(img.Data), 3*16*16)
			}
			for i, v := range img.Data {
				if v < -1 || v > 1 {
					t.Fatalf("pixel %d = %f, outside [-1, 1]", i, v)
				}
			}
		})
	}
}

func TestDecodeNormalizationRange(t *testing.T) {
	// Pure white must map near +1, pure black near -1.
	white := encodeTestImage(t, 8, 8, color.RGBA{R: 255, G: 255, B: 255, A: 255}, "png")
	black := encodeTestImage(t, 8, 8, color.RGBA{A: 255}, "png")

	processor := NewImageProcessor(8)

	img, err := processor.DecodeAndPreprocess(bytes.NewReader(white))
	if err != nil {
		t.Fatalf("DecodeAndPreprocess failed: %v", err)
	}
	if img.Data[0] < 0.99 {
		t.Errorf("white pixel = %f, expected near 1.0", img.Data[0])
	}

	img, err = processor.DecodeAndPreprocess(bytes.NewReader(black))
	if err != nil {
		t.Fatalf("DecodeAndPreprocess failed: %v", err)
	}
	if img.Data[0] > -0.99 {
		t.Errorf("black pixel = %f, expected near -1.0", img.Data[0])
	}
}

func TestDecodeDeterministic(t *testing.T) {
	data := encodeTestImage(t, 20, 20, color.RGBA{R: 120, G: 30, B: 240, A: 255}, "jpeg")

	processor := NewImageProcessor(8)
	first, err := processor.DecodeAndPreprocess(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeAndPreprocess failed: %v", err)
	}
	second, err := processor.DecodeAndPreprocess(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeAndPreprocess failed: %v", err)
	}

	for i := range first.Data {
		if first.Data[i] != second.Data[i] {
			t.Fatalf("pixel %d differs between identical decodes", i)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	processor := NewImageProcessor(8)
	if _, err := processor.DecodeAndPreprocess(bytes.NewReader([]byte("not an image"))); err == nil {
		t.Error("expected decode error for garbage input")
	}
}

func TestDecodeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.png")
	data := encodeTestImage(t, 10, 10, color.RGBA{R: 50, G: 50, B: 50, A: 255}, "png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	processor := NewImageProcessor(8)
	if _, err := processor.DecodeFile(path); err != nil {
		t.Fatalf("DecodeFile failed: %v", err)
	}
	if _, err := processor.DecodeFile(filepath.Join(dir, "absent.png")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDenormalize(t *testing.T) {
	tests := []struct {
		in, out float32
	}{
		{-1, 0},
		{0, 0.5},
		{1, 1},
		{-3, 0},
		{3, 1},
	}
	for _, test := range tests {
		if got := Denormalize(test.in); got != test.out {
			t.Errorf("Denormalize(%f) = %f, expected %f", test.in, got, test.out)
		}
	}
}

func TestSaveImageGrid(t *testing.T) {
	// Six 3-channel 4x4 images laid out as two rows of three.
	images, err := tensor.Full([]int{6, 3, 4, 4}, float32(0.5), tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Full failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "samples", "grid.png")
	if err := SaveImageGrid(path, images, 3); err != nil {
		t.Fatalf("SaveImageGrid failed: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("grid file not written: %v", err)
	}
	defer file.Close()

	decoded, err := png.Decode(file)
	if err != nil {
		t.Fatalf("grid is not valid PNG: %v", err)
	}

	wantW := 3*4 + 4*2
	wantH := 2*4 + 3*2
	if decoded.Bounds().Dx() != wantW || decoded.Bounds().Dy() != wantH {
		t.Errorf("grid dims = %dx%d, expected %dx%d",
			decoded.Bounds().Dx(), decoded.Bounds().Dy(), wantW, wantH)
	}
}

func TestSaveImageGridValidation(t *testing.T) {
	bad, err := tensor.Zeros([]int{3, 4, 4}, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatal(err)
	}
	if err := SaveImageGrid(filepath.Join(t.TempDir(), "g.png"), bad, 2); err == nil {
		t.Error("expected error for rank-3 input")
	}

	twoChan, err := tensor.Zeros([]int{1, 2, 4, 4}, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatal(err)
	}
	if err := SaveImageGrid(filepath.Join(t.TempDir(), "g.png"), twoChan, 1); err == nil {
		t.Error("expected error for 2-channel input")
	}
}
