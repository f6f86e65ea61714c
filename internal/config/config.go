package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultUnetConfig    = "configs/unet/stage2_512.yaml"
	DefaultUnetCkpt      = "checkpoints/latentsync_unet.pt"
	DefaultSteps         = 50
	DefaultGuidanceScale = 1.5

	// ProjectConfigFile is picked up from the working directory when no
	// explicit path is given.
	ProjectConfigFile = "lipsync.toml"
	configEnv         = "LIPSYNC_CONFIG"
)

// Inference configures the lip-sync inference process.
type Inference struct {
	Python        string  `toml:"python"`
	Module        string  `toml:"module"`
	Workdir       string  `toml:"workdir"`
	UnetConfig    string  `toml:"unet_config"`
	UnetCkpt      string  `toml:"unet_ckpt"`
	Steps         int     `toml:"steps"`
	GuidanceScale float64 `toml:"guidance_scale"`
	DeepCache     bool    `toml:"deepcache"`
}

// FFmpeg configures the media tool invocations.
type FFmpeg struct {
	Path       string `toml:"path"`
	AudioCodec string `toml:"audio_codec"`
	Reencode   bool   `toml:"reencode"`
}

type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Config struct {
	Inference Inference `toml:"inference"`
	FFmpeg    FFmpeg    `toml:"ffmpeg"`
	Logging   Logging   `toml:"logging"`
}

func Default() Config {
	return Config{
		Inference: Inference{
			Python:        "python",
			Module:        "scripts.inference",
			UnetConfig:    DefaultUnetConfig,
			UnetCkpt:      DefaultUnetCkpt,
			Steps:         DefaultSteps,
			GuidanceScale: DefaultGuidanceScale,
			DeepCache:     true,
		},
		FFmpeg: FFmpeg{
			Path:       "ffmpeg",
			AudioCodec: "aac",
			Reencode:   true,
		},
		Logging: Logging{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads the config file at path (or the LIPSYNC_CONFIG / project file
// fallbacks when path is empty), applies environment overrides, and
// validates the result. A missing file is not an error when it was not
// requested explicitly.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv(configEnv))
		explicit = path != ""
	}
	if !explicit {
		path = ProjectConfigFile
	}

	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if explicit {
				return "", false, fmt.Errorf("config file %s does not exist", expanded)
			}
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", expanded)
	}
	return expanded, true, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("LIPSYNC_PYTHON", &c.Inference.Python)
	setString("LIPSYNC_INFERENCE_MODULE", &c.Inference.Module)
	setString("LIPSYNC_WORKDIR", &c.Inference.Workdir)
	setString("LIPSYNC_FFMPEG", &c.FFmpeg.Path)
	setString("LIPSYNC_AUDIO_CODEC", &c.FFmpeg.AudioCodec)
	setString("LIPSYNC_LOG_LEVEL", &c.Logging.Level)
	setString("LIPSYNC_LOG_FORMAT", &c.Logging.Format)

	if v, ok := os.LookupEnv("LIPSYNC_REENCODE"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("LIPSYNC_REENCODE: %w", err)
		}
		c.FFmpeg.Reencode = b
	}
	return nil
}

func (c *Config) normalize() error {
	if c.Inference.Workdir != "" {
		dir, err := expandPath(c.Inference.Workdir)
		if err != nil {
			return fmt.Errorf("inference.workdir: %w", err)
		}
		c.Inference.Workdir = dir
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Inference.Python) == "" {
		return errors.New("inference.python is required")
	}
	if strings.TrimSpace(c.Inference.Module) == "" {
		return errors.New("inference.module is required")
	}
	if strings.TrimSpace(c.FFmpeg.Path) == "" {
		return errors.New("ffmpeg.path is required")
	}
	if strings.TrimSpace(c.FFmpeg.AudioCodec) == "" {
		return errors.New("ffmpeg.audio_codec is required")
	}
	switch c.Logging.Format {
	case "", "auto", "text", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
