package ffmpeg

import "github.com/forPelevin/lipsync/internal/types"

const DefaultAudioCodec = "aac"

type Adapter struct {
	ffmpeg     string
	audioCodec string
}

func New(ffmpegPath, audioCodec string) *Adapter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if audioCodec == "" {
		audioCodec = DefaultAudioCodec
	}
	return &Adapter{ffmpeg: ffmpegPath, audioCodec: audioCodec}
}

// MergeCommand muxes the video stream of silentVideo with the audio stream
// of audio without re-encoding, truncated to the shorter of the two.
func (a *Adapter) MergeCommand(silentVideo, audio, out string) types.Command {
	return types.Command{
		Name: a.ffmpeg,
		Args: []string{
			"-i", silentVideo,
			"-i", audio,
			"-c", "copy",
			"-map", "0:v:0",
			"-map", "1:a:0",
			"-shortest",
			out,
		},
	}
}

// ReencodeAudioCommand copies video and re-encodes audio, overwriting out.
func (a *Adapter) ReencodeAudioCommand(merged, out string) types.Command {
	return types.Command{
		Name: a.ffmpeg,
		Args: []string{
			"-y",
			"-i", merged,
			"-c:v", "copy",
			"-c:a", a.audioCodec,
			out,
		},
	}
}
