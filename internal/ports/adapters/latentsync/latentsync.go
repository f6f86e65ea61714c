package latentsync

import (
	"strconv"
	"strings"

	"github.com/forPelevin/lipsync/internal/types"
)

const (
	DefaultPython = "python"
	DefaultModule = "scripts.inference"
)

type Adapter struct {
	python string
	module string
	dir    string
}

// New returns an adapter that runs `<python> -m <module>` inside dir.
// Empty python and module fall back to the defaults.
func New(python, module, dir string) *Adapter {
	if python == "" {
		python = DefaultPython
	}
	if module == "" {
		module = DefaultModule
	}
	return &Adapter{python: python, module: module, dir: dir}
}

func (a *Adapter) InferCommand(job types.Job, silentOut string) types.Command {
	args := []string{
		"-m", a.module,
		"--unet_config_path", job.UnetConfig,
		"--inference_ckpt_path", job.UnetCkpt,
		"--inference_steps", strconv.Itoa(job.Steps),
		"--guidance_scale", formatScale(job.GuidanceScale),
		"--video_path", job.Video,
		"--audio_path", job.Audio,
		"--video_out_path", silentOut,
	}
	if job.DeepCache {
		args = append(args, "--enable_deepcache")
	}
	return types.Command{Name: a.python, Args: args, Dir: a.dir}
}

// formatScale renders a float the way the inference script's argument
// parser prints it back: shortest form, always with a fractional part.
func formatScale(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
