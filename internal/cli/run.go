package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/forPelevin/lipsync/internal/config"
	"github.com/forPelevin/lipsync/internal/logging"
	"github.com/forPelevin/lipsync/internal/pipeline"
	"github.com/forPelevin/lipsync/internal/types"
)

func run(cmd *cobra.Command) error {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	verbose, _ := flags.GetBool("verbose")
	keepTemp, _ := flags.GetBool("keep_temp")
	dryRun, _ := flags.GetBool("dry_run")

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	job, err := resolveJob(cmd, cfg)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{
		Level:  level,
		Format: cfg.Logging.Format,
		Writer: cmd.ErrOrStderr(),
		RunID:  uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	pcfg := pipeline.Config{
		Job:             job,
		KeepTemp:        keepTemp,
		DryRun:          dryRun,
		Python:          cfg.Inference.Python,
		InferenceModule: cfg.Inference.Module,
		InferenceDir:    cfg.Inference.Workdir,
		FFmpegPath:      cfg.FFmpeg.Path,
		AudioCodec:      cfg.FFmpeg.AudioCodec,
		Logger:          logger,
		Stdout:          cmd.OutOrStdout(),
		ToolInput:       cmd.InOrStdin(),
	}
	if stderr := cmd.ErrOrStderr(); verbose || logging.IsTerminal(stderr) {
		pcfg.ToolOutput = stderr
	}

	if err := pcfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := pipeline.Run(ctx, pcfg)
	if err != nil {
		return err
	}
	if !dryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "done: %s\n", res.Out)
	}
	return nil
}

// resolveJob merges command-line flags over the loaded configuration.
// Flags left at their defaults defer to the config file and environment.
func resolveJob(cmd *cobra.Command, cfg *config.Config) (types.Job, error) {
	flags := cmd.Flags()

	job := types.Job{
		UnetConfig:    cfg.Inference.UnetConfig,
		UnetCkpt:      cfg.Inference.UnetCkpt,
		Steps:         cfg.Inference.Steps,
		GuidanceScale: cfg.Inference.GuidanceScale,
		DeepCache:     cfg.Inference.DeepCache,
		Reencode:      cfg.FFmpeg.Reencode,
	}

	for _, p := range []struct {
		flag string
		dst  *string
	}{{"video", &job.Video}, {"audio", &job.Audio}, {"out", &job.Out}} {
		v, _ := flags.GetString(p.flag)
		abs, err := filepath.Abs(v)
		if err != nil {
			return types.Job{}, err
		}
		*p.dst = abs
	}

	if flags.Changed("unet_config") {
		job.UnetConfig, _ = flags.GetString("unet_config")
	}
	if flags.Changed("unet_ckpt") {
		job.UnetCkpt, _ = flags.GetString("unet_ckpt")
	}
	if flags.Changed("steps") {
		job.Steps, _ = flags.GetInt("steps")
	}
	if flags.Changed("guidance_scale") {
		job.GuidanceScale, _ = flags.GetFloat64("guidance_scale")
	}
	if flags.Changed("no_deepcache") {
		off, _ := flags.GetBool("no_deepcache")
		job.DeepCache = !off
	}
	if flags.Changed("no_reencode") {
		off, _ := flags.GetBool("no_reencode")
		job.Reencode = !off
	}
	return job, nil
}
