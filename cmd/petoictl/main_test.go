package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunWithoutArgsPrintsUsage(t *testing.T) {
	code, _, stderr := runCLI(t, "")
	if code != 2 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	if !strings.Contains(stderr, "Usage:") {
		t.Fatalf("usage not printed: %q", stderr)
	}
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := runCLI(t, "", "fly")
	if code != 2 || !strings.Contains(stderr, "unknown command: fly") {
		t.Fatalf("unexpected result: %d %q", code, stderr)
	}
}

func TestEncode(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"encode", "m", "0", "30"}, "m 0 30"},
		{[]string{"encode", "d"}, "d"},
		{[]string{"encode", "I", "8", "-10"}, "bytes:[73,8,246,126]"},
	}
	for _, tc := range cases {
		code, stdout, stderr := runCLI(t, "", tc.args...)
		if code != 0 {
			t.Fatalf("%v: exit %d: %s", tc.args, code, stderr)
		}
		if got := strings.TrimSpace(stdout); got != tc.want {
			t.Fatalf("%v: got %q want %q", tc.args, got, tc.want)
		}
	}

	if code, _, _ := runCLI(t, "", "encode", "m", "1.5"); code != 2 {
		t.Fatalf("fractional parameter accepted: %d", code)
	}
}

func TestDecode(t *testing.T) {
	code, stdout, _ := runCLI(t, "", "decode", "m 0 x 30")
	if code != 0 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	for _, want := range []string{"token: m", "params: [0 0 30]", "invalid: [1]"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("missing %q in %q", want, stdout)
		}
	}

	if code, _, _ := runCLI(t, "", "decode", "b64:!!"); code != 1 {
		t.Fatalf("bad base64 accepted: %d", code)
	}
}

func TestParse(t *testing.T) {
	cases := []struct {
		parser string
		input  string
		want   string
	}{
		{"scalar", "=\n512\nR\n", "512"},
		{"scalar", "", "no reading"},
		{"joints", "0\t1\n0,\t30,\nj\n", "[0 30]"},
		{"joints", "0\t1\n0,\t30,\n", "no data"},
		{"camera", "=\n-23.00 20.00 size = 42 56\nX\n", "-23 20 42 56"},
		{"camera", "nothing", "no target"},
	}
	for _, tc := range cases {
		code, stdout, stderr := runCLI(t, tc.input, "parse", tc.parser)
		if code != 0 {
			t.Fatalf("%s: exit %d: %s", tc.parser, code, stderr)
		}
		if got := strings.TrimSpace(stdout); got != tc.want {
			t.Fatalf("%s %q: got %q want %q", tc.parser, tc.input, got, tc.want)
		}
	}
}

func TestRunProgramAgainstMockDevice(t *testing.T) {
	dir := t.TempDir()
	progPath := filepath.Join(dir, "demo.yaml")
	prog := `
name: demo
steps:
  - step: skill
    command: ksit
    class: posture
  - step: move
    mode: sequential
    joints:
      - {joint: 0, angle: 20}
      - {joint: 0, sign: 1, angle: 5}
  - step: set
    var: a
    value: {joint_angle: 0}
  - step: log
    value: {op: "+", left: "joint0=", right: {var: a}}
`
	if err := os.WriteFile(progPath, []byte(prog), 0o644); err != nil {
		t.Fatalf("write program: %v", err)
	}
	transcript := filepath.Join(dir, "run.jsonl")

	code, stdout, stderr := runCLI(t, "",
		"run",
		"--config", filepath.Join(dir, "missing.toml"),
		"--device", "mock",
		"--log-level", "error",
		"--transcript", transcript,
		progPath,
	)
	if code != 0 {
		t.Fatalf("unexpected exit code: %d, stderr: %s", code, stderr)
	}
	if got := strings.TrimSpace(stdout); got != "joint0=25" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestRunProgramRejectsBadInput(t *testing.T) {
	if code, _, _ := runCLI(t, "", "run"); code != 2 {
		t.Fatalf("missing program accepted: %d", code)
	}

	dir := t.TempDir()
	code, _, stderr := runCLI(t, "", "run", "--config", filepath.Join(dir, "none.toml"), filepath.Join(dir, "nope.yaml"))
	if code != 1 || !strings.Contains(stderr, "failed to load program") {
		t.Fatalf("unexpected result: %d %q", code, stderr)
	}

	code, _, _ = runCLI(t, "", "run", "--config", filepath.Join(dir, "none.toml"), "--device", "serial", filepath.Join(dir, "nope.yaml"))
	if code != 2 {
		t.Fatalf("serial device without address accepted: %d", code)
	}
}
