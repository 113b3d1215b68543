// Train a detection model with a photometric redshift head on DC2 cutouts packed as one array per object.
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
	runner := &driver.Runner{Args: &args, Layout: driver.DC2}
	err := dist.Launch(context.Background(), args.LaunchOptions(), runner.Run)
	nnet.CheckErr(err)
	log.Printf("took %s", time.Since(start).Round(time.Second))
}
