package nnet

import (
	"fmt"
	"log"
	"os"
	"time"
)

// SetupLogger sets the standard logger prefix to the process rank.
func SetupLogger(rank int) {
	log.SetFlags(log.LstdFlags)
	log.SetPrefix(fmt.Sprintf("[rank %d] ", rank))
}

// SetSeed returns the seed to use, picking one from the clock if seed is not positive. Each rank gets a
// different seed so that augmentations differ between processes.
func SetSeed(seed int64, rank int) int64 {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	seed += int64(rank)
	log.Println("random seed =", seed)
	return seed
}

// Exit in case of error
func CheckErr(err error) {
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
