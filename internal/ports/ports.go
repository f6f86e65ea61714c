package ports

import (
	"context"

	"github.com/forPelevin/lipsync/internal/types"
)

// Inference builds the command that renders a silent lip-synced video.
type Inference interface {
	InferCommand(job types.Job, silentOut string) types.Command
}

// MediaTool builds the ffmpeg invocations that attach and re-encode audio.
type MediaTool interface {
	MergeCommand(silentVideo, audio, out string) types.Command
	ReencodeAudioCommand(merged, out string) types.Command
}

// Runner executes a command synchronously. A non-zero exit is an error.
type Runner interface {
	Run(ctx context.Context, cmd types.Command) error
}
