package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobarin/composer/internal/models"
	"github.com/bobarin/composer/internal/planner"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadJobFileRebasesLocalRefs(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "job.yaml", `
type: compose
request:
  transition_kind: fade
  transition_duration_seconds: 1
  clips:
    - source_ref: intro.mp4
    - source_ref: https://cdn.test/talk.mov
      target_duration_seconds: 12
    - source_ref: /abs/outro.mp4
`)

	jobType, raw, err := LoadJobFile(path)
	if err != nil {
		t.Fatalf("LoadJobFile: %v", err)
	}
	if jobType != models.JobTypeCompose {
		t.Errorf("type = %q, want compose", jobType)
	}

	var req models.CreateCompositionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("request invalid: %v", err)
	}

	want := []string{filepath.Join(dir, "intro.mp4"), "https://cdn.test/talk.mov", "/abs/outro.mp4"}
	for i, c := range req.Clips {
		if c.SourceRef != want[i] {
			t.Errorf("clips[%d].source_ref = %q, want %q", i, c.SourceRef, want[i])
		}
	}
	if req.Clips[1].TargetDurationSeconds == nil || *req.Clips[1].TargetDurationSeconds != 12 {
		t.Errorf("target duration lost: %+v", req.Clips[1])
	}
}

func TestLoadJobFileErrors(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"missing type":    "request:\n  source_ref: a.mp4\n",
		"missing request": "type: trim\n",
		"bad yaml":        "type: [trim\n",
	}
	for name, contents := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, dir, strings.ReplaceAll(name, " ", "-")+".yaml", contents)
			if _, _, err := LoadJobFile(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
	if _, _, err := LoadJobFile(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestRenderDryRun(t *testing.T) {
	dir := t.TempDir()
	scratch := t.TempDir()
	writeFile(t, dir, "clip.mp4", "")
	job := writeFile(t, dir, "trim.yaml", `
type: trim
request:
  source_ref: clip.mp4
  start_seconds: 1
  duration_seconds: 2
`)

	cmd := newRootCmd()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetArgs([]string{
		"--ffprobe", filepath.Join(dir, "no-such-ffprobe"),
		"--temp-dir", scratch,
		"render", "--dry-run", job,
	})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("render: %v", err)
	}

	got := stdout.String()
	if !strings.HasPrefix(got, "ffmpeg -hide_banner") {
		t.Errorf("output = %q, want an ffmpeg command line", got)
	}
	for _, want := range []string{"-filter_complex", "trim=duration=2:start=1", filepath.Join(dir, "clip.mp4")} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("workspace left behind: %d entries", len(entries))
	}
}

func TestRenderRejectsInvalidJob(t *testing.T) {
	dir := t.TempDir()
	job := writeFile(t, dir, "speed.yaml", `
type: speed_fit
request:
  source_ref: clip.mp4
  target_duration_seconds: 6
  speed_factor: 2
`)

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--temp-dir", t.TempDir(), "render", "--dry-run", job})
	if err := cmd.Execute(); err == nil || !planner.IsValidation(err) {
		t.Errorf("render error = %v, want a validation error", err)
	}
}

func TestProbeJSONFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cmd := newRootCmd()
	stdout := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetArgs([]string{
		"--ffprobe", filepath.Join(dir, "no-such-ffprobe"),
		"--width", "1280", "--height", "720",
		"--json",
		"probe", "a.mp4", "b.mp4",
	})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("probe: %v", err)
	}

	var clips []planner.ClipDescriptor
	if err := json.Unmarshal(stdout.Bytes(), &clips); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout.String())
	}
	if len(clips) != 2 || clips[0].Path != "a.mp4" || clips[1].Path != "b.mp4" {
		t.Fatalf("clips = %+v", clips)
	}
	if clips[0].Width != 1280 || clips[0].Duration != 0 || clips[0].HasAudio {
		t.Errorf("clips[0] = %+v, want the default descriptor", clips[0])
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "''"},
		{"-y", "-y"},
		{"/tmp/out.mp4", "/tmp/out.mp4"},
		{"[0:v]setpts=PTS/2[v0]", "'[0:v]setpts=PTS/2[v0]'"},
		{"it's", `'it'\''s'`},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
