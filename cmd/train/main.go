// Train a detection model on HSC coadd cutouts with one FITS file per band.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/grantmerz/astrodet/dist"
	"github.com/grantmerz/astrodet/internal/driver"
	"github.com/grantmerz/astrodet/nnet"
)

func main() {
	var args driver.Args
	args.Flags(flag.CommandLine)
	flag.Parse()
	log.Printf("command line args: %+v", args)

	start := time.Now()
	runner := &driver.Runner{Args: &args, Layout: driver.HSC}
	err := dist.Launch(context.Background(), args.LaunchOptions(), runner.Run)
	nnet.CheckErr(err)
	log.Printf("took %s", time.Since(start).Round(time.Second))
}
