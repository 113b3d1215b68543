// Plot the saved training and validation loss history for a run.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/grantmerz/astrodet/nnet"
	"github.com/grantmerz/astrodet/web"
)

func main() {
	var dir, run, out string
	var valPeriod, width, height int
	flag.StringVar(&dir, "dir", "./", "output directory of the training run")
	flag.StringVar(&run, "run", "Swin_test", "run name")
	flag.IntVar(&valPeriod, "val-period", 5, "iterations between validation losses")
	flag.StringVar(&out, "out", "", "output file, .svg or .png, default <run>_losses.svg")
	flag.IntVar(&width, "width", 800, "plot width in points")
	flag.IntVar(&height, "height", 400, "plot height in points")
	flag.Parse()

	train, err := nnet.LoadLossHistory(filepath.Join(dir, run+"_losses.npy"))
	nnet.CheckErr(err)
	var val []float64
	valFile := filepath.Join(dir, run+"_val_losses.npy")
	if _, err := os.Stat(valFile); err == nil {
		val, err = nnet.LoadLossHistory(valFile)
		nnet.CheckErr(err)
	}
	p, err := web.LossPlot(run, web.Series(train, 0), web.Series(val, valPeriod))
	nnet.CheckErr(err)

	if out == "" {
		out = filepath.Join(dir, run+"_losses.svg")
	}
	format := strings.TrimPrefix(filepath.Ext(out), ".")
	f, err := os.Create(out)
	nnet.CheckErr(err)
	nnet.CheckErr(web.WritePlot(f, p, width, height, format))
	nnet.CheckErr(f.Close())
	log.Printf("wrote %d training and %d validation points to %s", len(train), len(val), out)
}
