package nnet

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const lastCheckpoint = "last_checkpoint"

// CheckpointInfo is the metadata written alongside each checkpoint.
type CheckpointInfo struct {
	RunID     string    `json:"run_id"`
	Run       string    `json:"run"`
	Iteration int       `json:"iteration"`
	File      string    `json:"file"`
	Time      time.Time `json:"time"`
}

// Checkpointer saves model weights via the engine. Only the rank 0 process writes.
type Checkpointer struct {
	Model Model
	Dir   string
	Run   string
	Rank  int
	RunID uuid.UUID
}

func NewCheckpointer(model Model, dir, run string, rank int) *Checkpointer {
	return &Checkpointer{Model: model, Dir: dir, Run: run, Rank: rank, RunID: uuid.New()}
}

// Path returns the checkpoint file for the iteration.
func (c *Checkpointer) Path(iter int) string {
	return filepath.Join(c.Dir, fmt.Sprintf("%s_%07d.pth", c.Run, iter))
}

// Save writes the checkpoint and updates the last_checkpoint file. Returns the path written, or an empty
// string if this is not the rank 0 process.
func (c *Checkpointer) Save(ctx context.Context, iter int) (string, error) {
	if c.Rank != 0 {
		return "", nil
	}
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return "", errors.Wrap(err, "error creating checkpoint directory")
	}
	path := c.Path(iter)
	if err := c.Model.Save(ctx, path); err != nil {
		return "", errors.Wrapf(err, "error saving checkpoint %s", path)
	}
	info := CheckpointInfo{RunID: c.RunID.String(), Run: c.Run, Iteration: iter, File: filepath.Base(path), Time: time.Now()}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", err
	}
	tmp := filepath.Join(c.Dir, "."+lastCheckpoint)
	if err = os.WriteFile(tmp, data, 0644); err != nil {
		return "", errors.Wrap(err, "error writing checkpoint metadata")
	}
	if err = os.Rename(tmp, filepath.Join(c.Dir, lastCheckpoint)); err != nil {
		return "", errors.Wrap(err, "error writing checkpoint metadata")
	}
	log.Printf("saved checkpoint %s", path)
	return path, nil
}

// LastCheckpoint reads the metadata for the most recent checkpoint in dir.
func LastCheckpoint(dir string) (CheckpointInfo, error) {
	var info CheckpointInfo
	data, err := os.ReadFile(filepath.Join(dir, lastCheckpoint))
	if err != nil {
		return info, errors.Wrap(err, "error reading checkpoint metadata")
	}
	if err = json.Unmarshal(data, &info); err != nil {
		return info, errors.Wrapf(err, "malformed checkpoint metadata in %s", dir)
	}
	return info, nil
}

// Resume loads the most recent checkpoint if there is one and returns the iteration to restart from.
func (c *Checkpointer) Resume(ctx context.Context) (int, error) {
	info, err := LastCheckpoint(c.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	path := filepath.Join(c.Dir, info.File)
	if err = c.Model.Load(ctx, path); err != nil {
		return 0, errors.Wrapf(err, "error loading checkpoint %s", path)
	}
	log.Printf("resumed from %s at iteration %d", path, info.Iteration+1)
	return info.Iteration + 1, nil
}
