package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/forPelevin/lipsync/internal/ports"
	"github.com/forPelevin/lipsync/internal/ports/adapters/ffmpeg"
	"github.com/forPelevin/lipsync/internal/ports/adapters/latentsync"
	"github.com/forPelevin/lipsync/internal/ports/adapters/proc"
	"github.com/forPelevin/lipsync/internal/types"
	"github.com/forPelevin/lipsync/internal/usecase"
)

type Config struct {
	Job types.Job

	KeepTemp bool
	DryRun   bool

	Python          string
	InferenceModule string
	// InferenceDir is the working directory of the inference process.
	InferenceDir string

	FFmpegPath string
	AudioCodec string

	Logger *slog.Logger
	// Stdout receives the dry-run plan.
	Stdout io.Writer
	// ToolOutput, when set, receives external tool output as it runs.
	// Otherwise output is captured and attached to errors.
	ToolOutput io.Writer
	// ToolInput is passed to external tools so ffmpeg can ask before
	// overwriting an existing output.
	ToolInput io.Reader
}

func (c Config) Validate() error {
	j := c.Job
	if j.Video == "" {
		return errors.New("video is empty")
	}
	if j.Audio == "" {
		return errors.New("audio is empty")
	}
	if j.Out == "" {
		return errors.New("out is empty")
	}
	for _, in := range []struct{ name, path string }{{"video", j.Video}, {"audio", j.Audio}} {
		info, err := os.Stat(in.path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", in.name, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%s %s is a directory", in.name, in.path)
		}
	}
	if types.SamePath(j.Out, j.Video) || types.SamePath(j.Out, j.Audio) {
		return errors.New("out must differ from the inputs")
	}
	arts := types.ArtifactsFor(j.Out, j.Reencode)
	for _, in := range []struct{ name, path string }{{"video", j.Video}, {"audio", j.Audio}} {
		if arts.Overlaps(in.path) {
			return fmt.Errorf("%s %s collides with a temporary file of out", in.name, in.path)
		}
	}
	if info, err := os.Stat(j.Out); err == nil && info.IsDir() {
		return fmt.Errorf("out %s is a directory", j.Out)
	}
	if j.UnetConfig == "" {
		return errors.New("unet config path is required")
	}
	if j.UnetCkpt == "" {
		return errors.New("unet checkpoint path is required")
	}
	if j.Steps <= 0 {
		return fmt.Errorf("steps must be > 0")
	}
	if !(j.GuidanceScale > 0) || math.IsInf(j.GuidanceScale, 0) {
		return fmt.Errorf("guidance scale must be > 0")
	}
	return nil
}

func Run(ctx context.Context, cfg Config) (usecase.Result, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	// adapters
	inf := latentsync.New(cfg.Python, cfg.InferenceModule, cfg.InferenceDir)
	media := ffmpeg.New(cfg.FFmpegPath, cfg.AudioCodec)
	runner := proc.New(cfg.ToolOutput, logger)
	runner.Stdin = cfg.ToolInput

	uc := usecase.New(usecase.Deps{
		Inference: inf,
		Media:     media,
		Runner:    runner,
	})

	if cfg.DryRun {
		steps := uc.Plan(cfg.Job)
		stdout := cfg.Stdout
		if stdout == nil {
			stdout = os.Stdout
		}
		fmt.Fprintln(stdout, RenderPlan(steps))
		return usecase.Result{Out: cfg.Job.Out, Steps: steps}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Job.Out), 0o755); err != nil {
		return usecase.Result{}, err
	}

	lockPath, err := LockPath(cfg.Job.Out)
	if err != nil {
		return usecase.Result{}, err
	}
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return usecase.Result{}, fmt.Errorf("acquire output lock: %w", err)
	}
	if !ok {
		return usecase.Result{}, fmt.Errorf("output %s is locked by another run", cfg.Job.Out)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("release output lock", "error", err)
		}
	}()

	logger.Info("job started",
		"video", cfg.Job.Video,
		"audio", cfg.Job.Audio,
		"out", cfg.Job.Out,
		"steps", cfg.Job.Steps,
		"guidance_scale", cfg.Job.GuidanceScale,
		"deepcache", cfg.Job.DeepCache,
		"reencode", cfg.Job.Reencode,
	)
	start := time.Now()
	res, err := uc.Run(ctx, usecase.Input{
		Job:      cfg.Job,
		KeepTemp: cfg.KeepTemp,
		Logger:   logger,
	})
	if err != nil {
		return usecase.Result{}, err
	}
	logger.Info("job finished", "out", res.Out, "elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// RenderPlan formats steps as a table for dry runs.
func RenderPlan(steps []types.Step) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "Stage", "Output", "Command"})
	for i, s := range steps {
		tw.AppendRow(table.Row{strconv.Itoa(i + 1), s.Stage, s.Output, s.Command.String()})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

// LockPath returns the lock file guarding out. It lives in the system temp
// dir and is never unlinked, so every run locks the same inode.
func LockPath(out string) (string, error) {
	abs, err := filepath.Abs(out)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(os.TempDir(), "lipsync-"+hex.EncodeToString(sum[:])[:16]+".lock"), nil
}

// ensure adapters implement ports
var _ ports.Inference = (*latentsync.Adapter)(nil)
var _ ports.MediaTool = (*ffmpeg.Adapter)(nil)
var _ ports.Runner = (*proc.Runner)(nil)
