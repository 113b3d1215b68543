package web

import (
	"bytes"
	"html/template"
	"io"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/vgsvg"
)

// Point is one loss value at a training iteration.
type Point struct {
	Iter int
	Loss float64
}

// Series converts a loss history to points. Value i is at iteration (i+1)*period-1, or i if period is zero.
func Series(values []float64, period int) []Point {
	pts := make([]Point, len(values))
	for i, v := range values {
		pts[i] = Point{Iter: i, Loss: v}
		if period > 0 {
			pts[i].Iter = (i+1)*period - 1
		}
	}
	return pts
}

// LossPlot draws the training and validation losses against iteration.
func LossPlot(title string, train, val []Point) (*plot.Plot, error) {
	p := newPlot()
	p.Title.Text = title
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "loss"
	for i, s := range []struct {
		name string
		pts  []Point
	}{{"training loss", train}, {"validation loss", val}} {
		if len(s.pts) == 0 {
			continue
		}
		line, err := newLinePlot(s.pts, i)
		if err != nil {
			return nil, err
		}
		p.Add(line)
		p.Legend.Add(s.name, line)
	}
	return p, nil
}

func newPlot() *plot.Plot {
	p := plot.New()
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = vg.Points(12)
	p.Add(plotter.NewGrid())
	return p
}

// WritePlot renders the plot in the given format (svg, png, pdf...). Size is in pixels at the SVG resolution.
func WritePlot(w io.Writer, p *plot.Plot, width, height int, format string) error {
	writer, err := p.WriterTo(vg.Inch*vg.Length(width)/vgsvg.DPI, vg.Inch*vg.Length(height)/vgsvg.DPI, format)
	if err != nil {
		return errors.Wrap(err, "error writing plot")
	}
	_, err = writer.WriteTo(w)
	return err
}

func svgPlot(p *plot.Plot, width, height int) (template.HTML, error) {
	var buf bytes.Buffer
	if err := WritePlot(&buf, p, width, height, "svg"); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}

func newLinePlot(pts []Point, ix int) (linePlot, error) {
	xys := make(plotter.XYs, len(pts))
	xmax, ymax := 1.0, 0.0
	for i, pt := range pts {
		xys[i].X, xys[i].Y = float64(pt.Iter), pt.Loss
		xmax = math.Max(xmax, xys[i].X)
		if !math.IsNaN(pt.Loss) && !math.IsInf(pt.Loss, 0) {
			ymax = math.Max(ymax, pt.Loss)
		}
	}
	l, err := plotter.NewLine(xys)
	if err != nil {
		return linePlot{}, errors.Wrap(err, "invalid loss values")
	}
	l.Width = 2
	l.Color = plotutil.Color(ix)
	return linePlot{Line: l, xmin: 0, xmax: xmax, ymin: 0, ymax: ymax}, nil
}

// modified plotter.Line with a fixed scale
type linePlot struct {
	*plotter.Line
	xmin, xmax, ymin, ymax float64
}

func (l linePlot) DataRange() (xmin, xmax, ymin, ymax float64) {
	return l.xmin, l.xmax, l.ymin, l.ymax
}
