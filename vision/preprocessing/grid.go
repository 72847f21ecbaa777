package preprocessing

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/Ashm1t/Abstract-Image-Generator/tensor"
)

const gridPadding = 2

// SaveImageGrid renders a batch of generated images as a single PNG
// grid with nrow images per row, matching the layout used for periodic
// training samples. Input is [N, C, H, W] in [-1, 1].
func SaveImageGrid(path string, images *tensor.Tensor, nrow int) error {
	if len(images.Shape) != 4 {
		return errors.Errorf("image grid expects rank-4 input, got shape %v", images.Shape)
	}
	n, c, h, w := images.Shape[0], images.Shape[1], images.Shape[2], images.Shape[3]
	if n == 0 {
		return errors.New("image grid needs at least one image")
	}
	if c != 1 && c != 3 {
		return errors.Errorf("image grid supports 1 or 3 channels, got %d", c)
	}
	if nrow <= 0 {
		nrow = 1
	}
	if nrow > n {
		nrow = n
	}

	data, err := images.Float32Data()
	if err != nil {
		return errors.Wrap(err, "image grid input")
	}

	rows := (n + nrow - 1) / nrow
	gridW := nrow*w + (nrow+1)*gridPadding
	gridH := rows*h + (rows+1)*gridPadding

	canvas := image.NewRGBA(image.Rect(0, 0, gridW, gridH))
	for i := range canvas.Pix {
		canvas.Pix[i] = 255
	}

	plane := h * w
	for i := 0; i < n; i++ {
		cell := data[i*c*plane : (i+1)*c*plane]
		offX := gridPadding + (i%nrow)*(w+gridPadding)
		offY := gridPadding + (i/nrow)*(h+gridPadding)

		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := y*w + x
				var r, g, b float32
				if c == 3 {
					r = Denormalize(cell[0*plane+idx])
					g = Denormalize(cell[1*plane+idx])
					b = Denormalize(cell[2*plane+idx])
				} else {
					r = Denormalize(cell[idx])
					g, b = r, r
				}
				canvas.SetRGBA(offX+x, offY+y, color.RGBA{
					R: uint8(r * 255),
					G: uint8(g * 255),
					B: uint8(b * 255),
					A: 255,
				})
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create sample directory")
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer file.Close()

	if err := png.Encode(file, canvas); err != nil {
		return errors.Wrap(err, "encode sample grid")
	}
	return nil
}
