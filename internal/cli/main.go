package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/forPelevin/lipsync/internal/config"
)

func Main() {
	_ = godotenv.Load() // best-effort: load .env if present

	if err := NewRootCommand().Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "interrupted")
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "lipsync --video <in.mp4> --audio <voice.wav> --out <out.mp4>",
		Short:        "Lip-sync a video to an audio track and mux the audio back in",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd)
		},
	}

	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)
	root.SilenceErrors = true

	f := root.Flags()
	f.String("video", "", "Input video path")
	f.String("audio", "", "Input audio path")
	f.String("out", "", "Output video path")
	f.String("unet_config", config.DefaultUnetConfig, "UNet config path")
	f.String("unet_ckpt", config.DefaultUnetCkpt, "UNet checkpoint path")
	f.Int("steps", config.DefaultSteps, "Inference steps")
	f.Float64("guidance_scale", config.DefaultGuidanceScale, "Guidance scale")
	f.Bool("no_deepcache", false, "Disable DeepCache acceleration")
	f.Bool("no_reencode", false, "Write the merged stream-copy output as final, skipping the audio re-encode")
	f.Bool("keep_temp", false, "Keep intermediate files")
	f.Bool("dry_run", false, "Print the planned commands without running them")
	f.BoolP("verbose", "v", false, "Stream tool output and log debug details")
	f.StringP("config", "c", "", "Configuration file path (default $LIPSYNC_CONFIG or ./lipsync.toml)")

	for _, name := range []string{"video", "audio", "out"} {
		_ = root.MarkFlagRequired(name)
	}
	return root
}
