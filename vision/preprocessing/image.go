package preprocessing

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// ImageProcessor decodes and resizes images for network input, reusing
// its internal buffers across calls. Safe for concurrent use.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	processBuffer   []float32
	targetSize      int
}

// NewImageProcessor creates a processor that emits targetSize x targetSize images.
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{targetSize: targetSize}
}

// ProcessedImage is a decoded image in CHW float32 layout, each channel
// normalized to [-1, 1] to match the generator's Tanh output range.
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes a JPEG or PNG image, resizes it to the
// target resolution by nearest-neighbor sampling, and normalizes pixel
// values to [-1, 1]. The transform is deterministic for the same bytes.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("image has zero dimension")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != p.targetSize {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize))
	}
	target := p.tempImageBuffer

	scaleX := float64(width) / float64(p.targetSize)
	scaleY := float64(height) / float64(p.targetSize)

	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			srcX := bounds.Min.X + int(float64(x)*scaleX)
			srcY := bounds.Min.Y + int(float64(y)*scaleY)
			if srcX >= bounds.Max.X {
				srcX = bounds.Max.X - 1
			}
			if srcY >= bounds.Max.Y {
				srcY = bounds.Max.Y - 1
			}
			target.Set(x, y, img.At(srcX, srcY))
		}
	}

	plane := p.targetSize * p.targetSize
	required := 3 * plane
	if len(p.processBuffer) < required {
		p.processBuffer = make([]float32, required)
	}
	data := p.processBuffer[:required]

	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			r, g, b, _ := target.At(x, y).RGBA()
			idx := y*p.targetSize + x

			// Scale [0, 65535] to [-1, 1]
			data[0*plane+idx] = float32(r)/32767.5 - 1
			data[1*plane+idx] = float32(g)/32767.5 - 1
			data[2*plane+idx] = float32(b)/32767.5 - 1
		}
	}

	result := make([]float32, required)
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: 3,
	}, nil
}

// DecodeFile opens and preprocesses one image file.
func (p *ImageProcessor) DecodeFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open image %s", path)
	}
	defer file.Close()
	return p.DecodeAndPreprocess(file)
}

// Denormalize maps a [-1, 1] value back to [0, 1], clamping out-of-range
// inputs instead of wrapping.
func Denormalize(v float32) float32 {
	out := (v + 1) / 2
	if out < 0 {
		return 0
	}
	if out > 1 {
		return 1
	}
	return out
}
