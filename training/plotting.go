package training

import (
	"image/color"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SaveLossCurves renders the recorded discriminator and generator
// losses as a PNG. Observation tooling only; callers log and continue
// on failure rather than aborting training.
func SaveLossCurves(path string, points []MetricPoint) error {
	if len(points) == 0 {
		return errors.New("no metric points to plot")
	}

	dLine := make(plotter.XYs, len(points))
	gLine := make(plotter.XYs, len(points))
	for i, pt := range points {
		dLine[i].X = float64(pt.Step)
		dLine[i].Y = float64(pt.DLoss)
		gLine[i].X = float64(pt.Step)
		gLine[i].Y = float64(pt.GLoss)
	}

	p := plot.New()
	p.Title.Text = "Training Losses"
	p.X.Label.Text = "Step"
	p.Y.Label.Text = "Loss"

	d, err := plotter.NewLine(dLine)
	if err != nil {
		return errors.Wrap(err, "discriminator line")
	}
	d.Color = color.RGBA{R: 200, A: 255}

	g, err := plotter.NewLine(gLine)
	if err != nil {
		return errors.Wrap(err, "generator line")
	}
	g.Color = color.RGBA{B: 200, A: 255}

	p.Add(d, g)
	p.Legend.Add("discriminator", d)
	p.Legend.Add("generator", g)

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrap(err, "save loss plot")
	}
	return nil
}
