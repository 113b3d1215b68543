// Package dist launches one training process per device and tells each process its place in the job.
package dist

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Environment passed from the launcher to each worker process.
const (
	EnvRank      = "ASTRODET_RANK"
	EnvLocalRank = "ASTRODET_LOCAL_RANK"
	EnvWorldSize = "ASTRODET_WORLD_SIZE"
	EnvDistURL   = "ASTRODET_DIST_URL"
)

// Options are the launch settings from the command line.
type Options struct {
	NumGPUs     int
	NumMachines int
	MachineRank int
	DistURL     string
	// Executable and Args select the program run for each local rank. Defaults to the current binary and
	// its arguments.
	Executable string
	Args       []string
}

// Info describes the current process within the job.
type Info struct {
	Rank      int
	LocalRank int
	WorldSize int
	DistURL   string
	NumGPUs   int
}

// IsMain is true for the process which writes shared output.
func (i Info) IsMain() bool { return i.Rank == 0 }

// Device returns the device name for this process.
func (i Info) Device() string { return Device(i.LocalRank, i.NumGPUs) }

func (i Info) String() string {
	return fmt.Sprintf("rank %d/%d local=%d url=%s", i.Rank, i.WorldSize, i.LocalRank, i.DistURL)
}

// Device returns cuda:<localRank>, or cpu if there are no GPUs.
func Device(localRank, numGPUs int) string {
	if numGPUs <= 0 {
		return "cpu"
	}
	return "cuda:" + strconv.Itoa(localRank)
}

// LocalProcs is the number of processes started on this machine.
func (o Options) LocalProcs() int {
	return max(1, o.NumGPUs)
}

// WorldSize is the total number of processes across all machines.
func (o Options) WorldSize() int {
	return o.LocalProcs() * max(1, o.NumMachines)
}

func (o Options) validate() error {
	machines := max(1, o.NumMachines)
	if o.NumGPUs < 0 {
		return errors.Errorf("invalid number of GPUs: %d", o.NumGPUs)
	}
	if o.MachineRank < 0 || o.MachineRank >= machines {
		return errors.Errorf("machine rank %d out of range for %d machines", o.MachineRank, machines)
	}
	if machines > 1 && (o.DistURL == "" || o.DistURL == "auto") {
		return errors.New("dist_url=auto is not supported for multi-machine jobs")
	}
	return nil
}

// FromEnv reads the process info set by Launch. ok is false if this process was not started by a launcher.
func FromEnv() (info Info, ok bool, err error) {
	rank, ok := os.LookupEnv(EnvRank)
	if !ok {
		return info, false, nil
	}
	vals := make([]int, 3)
	for i, key := range []string{EnvRank, EnvLocalRank, EnvWorldSize} {
		s := os.Getenv(key)
		if i == 0 {
			s = rank
		}
		if vals[i], err = strconv.Atoi(s); err != nil {
			return info, true, errors.Wrapf(err, "invalid %s", key)
		}
	}
	info = Info{Rank: vals[0], LocalRank: vals[1], WorldSize: vals[2], DistURL: os.Getenv(EnvDistURL)}
	if info.WorldSize < 1 || info.Rank < 0 || info.Rank >= info.WorldSize {
		return info, true, errors.Errorf("invalid rank %d for world size %d", info.Rank, info.WorldSize)
	}
	return info, true, nil
}

// Launch runs fn once per device. With a world size of one fn is called directly. Otherwise this binary is
// started again for each local rank with the rank details in its environment, and fn is run in each of
// those children. Launch returns when all the children have exited; if any fails the rest are killed and
// the first error is returned.
func Launch(ctx context.Context, opts Options, fn func(ctx context.Context, info Info) error) error {
	info, child, err := FromEnv()
	if err != nil {
		return err
	}
	if child {
		info.NumGPUs = opts.NumGPUs
		return fn(ctx, info)
	}
	if err := opts.validate(); err != nil {
		return err
	}
	world := opts.WorldSize()
	if world == 1 {
		return fn(ctx, Info{WorldSize: 1, DistURL: opts.DistURL, NumGPUs: opts.NumGPUs})
	}
	url := opts.DistURL
	if url == "" || url == "auto" {
		if url, err = freePort(); err != nil {
			return err
		}
	}
	exe, args := opts.Executable, opts.Args
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return errors.Wrap(err, "launch: cannot find executable")
		}
		args = os.Args[1:]
	}
	log.Printf("launch: %d processes on machine %d of %d, world size %d, url %s", opts.LocalProcs(),
		opts.MachineRank, max(1, opts.NumMachines), world, url)

	g, gctx := errgroup.WithContext(ctx)
	for local := 0; local < opts.LocalProcs(); local++ {
		rank := opts.MachineRank*opts.LocalProcs() + local
		cmd := exec.CommandContext(gctx, exe, args...)
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		cmd.Env = append(os.Environ(),
			EnvRank+"="+strconv.Itoa(rank),
			EnvLocalRank+"="+strconv.Itoa(local),
			EnvWorldSize+"="+strconv.Itoa(world),
			EnvDistURL+"="+url,
		)
		if err := cmd.Start(); err != nil {
			g.Go(func() error { return errors.Wrapf(err, "launch: error starting rank %d", rank) })
			break
		}
		g.Go(func() error {
			if err := cmd.Wait(); err != nil {
				return errors.Wrapf(err, "launch: rank %d failed", rank)
			}
			return nil
		})
	}
	return g.Wait()
}

func freePort() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", errors.Wrap(err, "launch: no free port")
	}
	defer l.Close()
	return "tcp://" + l.Addr().String(), nil
}
