package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/forPelevin/lipsync/internal/ports"
	"github.com/forPelevin/lipsync/internal/types"
)

const (
	StageInference = "inference"
	StageMerge     = "merge audio"
	StageReencode  = "reencode audio"
)

type Deps struct {
	Inference ports.Inference
	Media     ports.MediaTool
	Runner    ports.Runner
}

type Usecase struct{ d Deps }

func New(d Deps) Usecase { return Usecase{d: d} }

type Input struct {
	Job types.Job
	// KeepTemp leaves intermediate files on disk after the run.
	KeepTemp bool
	Logger   *slog.Logger
}

type Result struct {
	Out   string
	Steps []types.Step
}

// Plan returns the ordered stages for job. It has no side effects.
func (u Usecase) Plan(job types.Job) []types.Step {
	arts := types.ArtifactsFor(job.Out, job.Reencode)
	steps := []types.Step{{
		Stage:   StageInference,
		Command: u.d.Inference.InferCommand(job, arts.SilentVideo),
		Output:  arts.SilentVideo,
	}}
	if !job.Reencode {
		return append(steps, types.Step{
			Stage:   StageMerge,
			Command: u.d.Media.MergeCommand(arts.SilentVideo, job.Audio, job.Out),
			Output:  job.Out,
		})
	}
	return append(steps,
		types.Step{
			Stage:   StageMerge,
			Command: u.d.Media.MergeCommand(arts.SilentVideo, job.Audio, arts.MergedVideo),
			Output:  arts.MergedVideo,
		},
		types.Step{
			Stage:   StageReencode,
			Command: u.d.Media.ReencodeAudioCommand(arts.MergedVideo, job.Out),
			Output:  job.Out,
		},
	)
}

// Run executes the planned stages in order and stops at the first failure.
// Temporary artifacts are removed on both success and failure unless
// in.KeepTemp is set.
func (u Usecase) Run(ctx context.Context, in Input) (res Result, err error) {
	logger := in.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	arts := types.ArtifactsFor(in.Job.Out, in.Job.Reencode)
	for _, p := range []string{in.Job.Video, in.Job.Audio} {
		if arts.Overlaps(p) {
			return Result{}, fmt.Errorf("input %s collides with a temporary file", p)
		}
	}
	steps := u.Plan(in.Job)

	// Leftovers from a kept or killed run would make ffmpeg refuse to
	// overwrite them.
	if err := Cleanup(arts.Paths(), logger); err != nil {
		return Result{}, fmt.Errorf("remove stale temporary files: %w", err)
	}

	defer func() {
		if in.KeepTemp {
			logger.Info("keeping temporary files", "paths", arts.Paths())
			return
		}
		if cerr := Cleanup(arts.Paths(), logger); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				logger.Warn("cleanup after failure", "error", cerr)
			}
		}
	}()

	for i, s := range steps {
		logger.Info("stage started", "stage", s.Stage, "step", i+1, "of", len(steps))
		start := time.Now()
		if err := u.d.Runner.Run(ctx, s.Command); err != nil {
			return Result{}, fmt.Errorf("%s: %w", s.Stage, err)
		}
		if _, err := os.Stat(s.Output); err != nil {
			return Result{}, fmt.Errorf("%s: expected output %s: %w", s.Stage, s.Output, err)
		}
		logger.Info("stage finished", "stage", s.Stage, "output", s.Output, "elapsed", time.Since(start).Round(time.Millisecond))
	}

	return Result{Out: in.Job.Out, Steps: steps}, nil
}

// Cleanup removes every path that exists. Missing paths are skipped.
func Cleanup(paths []string, logger *slog.Logger) error {
	var errs []error
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			errs = append(errs, fmt.Errorf("stat temp file: %w", err))
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove temp file: %w", err))
			continue
		}
		if logger != nil {
			logger.Debug("removed temporary file", "path", p)
		}
	}
	return errors.Join(errs...)
}
