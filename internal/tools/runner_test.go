package tools

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/danmuck/lifeline/internal/testutil/testlog"
)

func TestSplitCommand(t *testing.T) {
	testlog.Start(t)
	cases := map[string][]string{
		"systemctl restart control":   {"systemctl", "restart", "control"},
		`  sh -c "echo 'hi there'"  `: {"sh", "-c", "echo 'hi there'"},
		`reload '' last`:              {"reload", "", "last"},
		"one\ttwo":                    {"one", "two"},
	}
	for line, want := range cases {
		got, err := SplitCommand(line)
		if err != nil {
			t.Fatalf("SplitCommand(%q) failed: %v", line, err)
		}
		if !slices.Equal(got, want) {
			t.Fatalf("SplitCommand(%q) = %q want %q", line, got, want)
		}
	}
	if _, err := SplitCommand("   "); !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("expected ErrEmptyCommand, got %v", err)
	}
	if _, err := SplitCommand(`echo "open`); err == nil {
		t.Fatalf("expected unterminated quote error")
	}
}

func TestExecRunnerCapturesOutputAndExitCode(t *testing.T) {
	testlog.Start(t)
	r := ExecRunner{Env: []string{"LIFELINE_TEST_VALUE=ok"}}
	res, err := r.Run(context.Background(), "sh", "-c", "echo $LIFELINE_TEST_VALUE; echo bad >&2; exit 3")
	if err == nil {
		t.Fatalf("expected non-zero exit error")
	}
	if res.ExitCode != 3 || string(res.Stdout) != "ok\n" || string(res.Stderr) != "bad\n" {
		t.Fatalf("unexpected result: code=%d stdout=%q stderr=%q", res.ExitCode, res.Stdout, res.Stderr)
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	testlog.Start(t)
	res, err := ExecRunner{}.Run(context.Background(), "lifeline-definitely-missing-binary")
	if err == nil || res.ExitCode != 127 {
		t.Fatalf("expected exit 127, got code=%d err=%v", res.ExitCode, err)
	}
}

func TestExecRunnerHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := (ExecRunner{}).Run(ctx, "sleep", "5"); err == nil {
		t.Fatalf("expected context to kill the command")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("command outlived its context")
	}
}
