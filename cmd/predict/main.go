// Run a trained model over a manifest and write the detections as JSON lines.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/grantmerz/astrodet/internal/driver"
	"github.com/grantmerz/astrodet/nnet"
)

func main() {
	var args driver.PredictArgs
	args.Flags(flag.CommandLine)
	flag.Parse()
	if args.Weights == "" {
		log.Fatal("missing -weights option")
	}

	var w io.Writer = os.Stdout
	if args.Output != "" {
		f, err := os.Create(args.Output)
		nnet.CheckErr(err)
		defer f.Close()
		w = f
	}
	start := time.Now()
	n, err := driver.Predict(context.Background(), &args, nil, w)
	nnet.CheckErr(err)
	log.Printf("predicted %d images in %s", n, time.Since(start).Round(time.Millisecond))
}
