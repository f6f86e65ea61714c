package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/gofrs/flock"

	"github.com/forPelevin/lipsync/internal/types"
)

type fixture struct {
	dir    string
	log    string
	python string
	ffmpeg string
	job    types.Job
}

// newFixture writes stub python and ffmpeg executables that append their
// argv to a log file and create the file they were asked to write.
func newFixture(t *testing.T, ffmpegExit int) fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs require a POSIX shell")
	}
	dir := t.TempDir()
	f := fixture{
		dir:    dir,
		log:    filepath.Join(dir, "calls.log"),
		python: filepath.Join(dir, "python"),
		ffmpeg: filepath.Join(dir, "ffmpeg"),
	}

	python := "#!/bin/sh\n" +
		"echo \"python $*\" >> '" + f.log + "'\n" +
		"out=''\n" +
		"while [ $# -gt 0 ]; do\n" +
		"  if [ \"$1\" = \"--video_out_path\" ]; then out=\"$2\"; fi\n" +
		"  shift\n" +
		"done\n" +
		": > \"$out\"\n"
	ffmpeg := "#!/bin/sh\n" +
		"echo \"ffmpeg $*\" >> '" + f.log + "'\n"
	if ffmpegExit != 0 {
		ffmpeg += "echo 'ffmpeg failed' >&2\nexit " + strconv.Itoa(ffmpegExit) + "\n"
	} else {
		ffmpeg += "for last; do :; done\n: > \"$last\"\n"
	}
	for path, body := range map[string]string{f.python: python, f.ffmpeg: ffmpeg} {
		if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
			t.Fatalf("write stub: %v", err)
		}
	}

	video := filepath.Join(dir, "face.mp4")
	audio := filepath.Join(dir, "voice.wav")
	for _, p := range []string{video, audio} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write input: %v", err)
		}
	}
	f.job = types.Job{
		Video:         video,
		Audio:         audio,
		Out:           filepath.Join(dir, "out", "final.mp4"),
		UnetConfig:    "configs/unet/stage2_512.yaml",
		UnetCkpt:      "checkpoints/latentsync_unet.pt",
		Steps:         50,
		GuidanceScale: 1.5,
		DeepCache:     true,
		Reencode:      true,
	}
	return f
}

func (f fixture) config() Config {
	return Config{
		Job:        f.job,
		Python:     f.python,
		FFmpegPath: f.ffmpeg,
	}
}

func (f fixture) calls(t *testing.T) []string {
	t.Helper()
	b, err := os.ReadFile(f.log)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read call log: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func TestRun_EndToEndWithStubs(t *testing.T) {
	f := newFixture(t, 0)

	res, err := Run(context.Background(), f.config())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Out != f.job.Out {
		t.Fatalf("unexpected out: %s", res.Out)
	}

	calls := f.calls(t)
	if len(calls) != 3 {
		t.Fatalf("expected 3 external calls, got %d: %q", len(calls), calls)
	}
	silent := f.job.Out + types.SilentSuffix
	merged := f.job.Out + types.MergedSuffix
	want := []string{
		"python -m scripts.inference --unet_config_path configs/unet/stage2_512.yaml" +
			" --inference_ckpt_path checkpoints/latentsync_unet.pt --inference_steps 50 --guidance_scale 1.5" +
			" --video_path " + f.job.Video + " --audio_path " + f.job.Audio +
			" --video_out_path " + silent + " --enable_deepcache",
		"ffmpeg -i " + silent + " -i " + f.job.Audio + " -c copy -map 0:v:0 -map 1:a:0 -shortest " + merged,
		"ffmpeg -y -i " + merged + " -c:v copy -c:a aac " + f.job.Out,
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d:\n got %s\nwant %s", i, calls[i], want[i])
		}
	}

	if _, err := os.Stat(f.job.Out); err != nil {
		t.Fatalf("final output missing: %v", err)
	}
	for _, p := range []string{silent, merged} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed, stat err=%v", p, err)
		}
	}
}

func TestRun_FailingMergeAbortsAndCleansUp(t *testing.T) {
	f := newFixture(t, 2)

	_, err := Run(context.Background(), f.config())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.HasPrefix(err.Error(), "merge audio: ") || !strings.Contains(err.Error(), "exit status 2") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "ffmpeg failed") {
		t.Fatalf("expected captured tool output in error: %v", err)
	}
	if calls := f.calls(t); len(calls) != 2 {
		t.Fatalf("expected abort after merge, got calls %q", calls)
	}
	if _, err := os.Stat(f.job.Out + types.SilentSuffix); !os.IsNotExist(err) {
		t.Fatalf("expected silent video removed, stat err=%v", err)
	}
}

func TestRun_DryRunPrintsPlanOnly(t *testing.T) {
	f := newFixture(t, 0)
	cfg := f.config()
	cfg.DryRun = true
	cfg.Job.Reencode = false
	var out bytes.Buffer
	cfg.Stdout = &out

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("expected 2 planned steps, got %d", len(res.Steps))
	}
	if calls := f.calls(t); len(calls) != 0 {
		t.Fatalf("dry run must not execute commands, got %q", calls)
	}
	if _, err := os.Stat(filepath.Dir(f.job.Out)); !os.IsNotExist(err) {
		t.Fatalf("dry run must not create the output dir, stat err=%v", err)
	}
	plan := out.String()
	for _, want := range []string{"inference", "merge audio", "--video_out_path"} {
		if !strings.Contains(plan, want) {
			t.Fatalf("plan missing %q:\n%s", want, plan)
		}
	}
	if strings.Contains(plan, "reencode audio") {
		t.Fatalf("simple variant must not plan a re-encode:\n%s", plan)
	}
}

func TestRun_LockedOutput(t *testing.T) {
	f := newFixture(t, 0)
	if err := os.MkdirAll(filepath.Dir(f.job.Out), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	lockPath, err := LockPath(f.job.Out)
	if err != nil {
		t.Fatalf("lock path: %v", err)
	}
	held := flock.New(lockPath)
	ok, err := held.TryLock()
	if err != nil || !ok {
		t.Fatalf("lock fixture: ok=%v err=%v", ok, err)
	}
	defer func() { _ = held.Unlock() }()

	_, err = Run(context.Background(), f.config())
	if err == nil || !strings.Contains(err.Error(), "is locked by another run") {
		t.Fatalf("expected lock error, got %v", err)
	}
	if calls := f.calls(t); len(calls) != 0 {
		t.Fatalf("locked run must not execute commands, got %q", calls)
	}
}

func TestConfigValidate(t *testing.T) {
	f := newFixture(t, 0)

	tests := []struct {
		name    string
		mutate  func(j *types.Job)
		wantErr string
	}{
		{name: "valid", mutate: func(*types.Job) {}},
		{name: "missing video", mutate: func(j *types.Job) { j.Video = filepath.Join(f.dir, "nope.mp4") }, wantErr: "stat video"},
		{name: "audio is dir", mutate: func(j *types.Job) { j.Audio = f.dir }, wantErr: "is a directory"},
		{name: "out equals video", mutate: func(j *types.Job) { j.Out = j.Video }, wantErr: "out must differ"},
		{name: "empty out", mutate: func(j *types.Job) { j.Out = "" }, wantErr: "out is empty"},
		{name: "zero steps", mutate: func(j *types.Job) { j.Steps = 0 }, wantErr: "steps must be > 0"},
		{name: "negative scale", mutate: func(j *types.Job) { j.GuidanceScale = -1 }, wantErr: "guidance scale must be > 0"},
		{name: "audio is merged temp path", mutate: func(j *types.Job) { j.Audio = j.Out + types.MergedSuffix }, wantErr: "collides with a temporary file"},
		{name: "video is silent temp path", mutate: func(j *types.Job) { j.Video = j.Out + types.SilentSuffix }, wantErr: "collides with a temporary file"},
		{name: "merged path allowed without reencode", mutate: func(j *types.Job) {
			j.Reencode = false
			j.Audio = j.Out + types.MergedSuffix
		}},
		{name: "empty ckpt", mutate: func(j *types.Job) { j.UnetCkpt = "" }, wantErr: "checkpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := f.config()
			tt.mutate(&cfg.Job)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRenderPlan(t *testing.T) {
	steps := []types.Step{
		{Stage: "inference", Output: "a.noaudio.mp4", Command: types.Command{Name: "python", Args: []string{"-m", "scripts.inference"}}},
	}
	got := RenderPlan(steps)
	for _, want := range []string{"inference", "a.noaudio.mp4", "python -m scripts.inference"} {
		if !strings.Contains(got, want) {
			t.Fatalf("plan missing %q:\n%s", want, got)
		}
	}
}

func TestLockPath(t *testing.T) {
	a, err := LockPath("out/final.mp4")
	if err != nil {
		t.Fatalf("lock path: %v", err)
	}
	b, err := LockPath("./out/../out/final.mp4")
	if err != nil {
		t.Fatalf("lock path: %v", err)
	}
	c, err := LockPath("out/other.mp4")
	if err != nil {
		t.Fatalf("lock path: %v", err)
	}
	if a != b {
		t.Fatalf("same output must share a lock: %s vs %s", a, b)
	}
	if a == c {
		t.Fatalf("different outputs must not share a lock: %s", a)
	}
	if filepath.Dir(a) != filepath.Clean(os.TempDir()) {
		t.Fatalf("lock must live in the temp dir, got %s", a)
	}
}

func TestRun_StaleMergedFileFromEarlierRun(t *testing.T) {
	f := newFixture(t, 0)
	// ffmpeg without a terminal refuses to overwrite unless given -y.
	noClobber := "#!/bin/sh\n" +
		"echo \"ffmpeg $*\" >> '" + f.log + "'\n" +
		"for last; do :; done\n" +
		"case \" $* \" in *\" -y \"*) ;; *) if [ -e \"$last\" ]; then echo \"File '$last' already exists. Not overwriting - exiting\" >&2; exit 1; fi ;; esac\n" +
		": > \"$last\"\n"
	if err := os.WriteFile(f.ffmpeg, []byte(noClobber), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.job.Out), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	merged := f.job.Out + types.MergedSuffix
	if err := os.WriteFile(merged, []byte("stale"), 0o644); err != nil {
		t.Fatalf("write stale file: %v", err)
	}

	if _, err := Run(context.Background(), f.config()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls := f.calls(t); len(calls) != 3 {
		t.Fatalf("expected 3 external calls, got %q", calls)
	}
	if _, err := os.Stat(merged); !os.IsNotExist(err) {
		t.Fatalf("expected merged file removed, stat err=%v", err)
	}
}
