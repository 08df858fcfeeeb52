package shell

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestExecRunner_Success(t *testing.T) {
	var out bytes.Buffer
	r := &ExecRunner{}

	code, err := r.Run(context.Background(), Command{Script: "echo hello; echo oops >&2", Output: &out})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 0 {
		t.Errorf("expected exit_code=0, got %d", code)
	}
	if !strings.Contains(out.String(), "hello") || !strings.Contains(out.String(), "oops") {
		t.Errorf("expected combined stdout+stderr, got %q", out.String())
	}
}

func TestExecRunner_NonZeroExitIsNotAnError(t *testing.T) {
	r := &ExecRunner{}
	code, err := r.Run(context.Background(), Command{Script: "exit 3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 3 {
		t.Errorf("expected exit_code=3, got %d", code)
	}
}

func TestExecRunner_EnvAndDir(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	r := &ExecRunner{}

	code, err := r.Run(context.Background(), Command{
		Dir:    dir,
		Env:    []string{"PATH=" + os.Getenv("PATH"), "GREETING=hi there"},
		Script: `echo "$GREETING"; pwd`,
		Output: &out,
	})
	if err != nil || code != 0 {
		t.Fatalf("run: code=%d err=%v", code, err)
	}
	if !strings.Contains(out.String(), "hi there") {
		t.Errorf("env not visible: %q", out.String())
	}
	if !strings.Contains(out.String(), dir) {
		t.Errorf("dir not applied: %q", out.String())
	}
}

func TestExecRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	code, err := (&ExecRunner{}).Run(ctx, Command{Script: "sleep 10"})
	if err == nil {
		t.Fatal("expected error for cancelled command")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if code != -1 {
		t.Errorf("expected exit_code=-1, got %d", code)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("cancellation took too long: %s", time.Since(start))
	}
}

// cancelAfterWrite cancels once the command's output has been written,
// after the shell itself has already exited.
type cancelAfterWrite struct {
	cancel context.CancelFunc
}

func (w *cancelAfterWrite) Write(p []byte) (int, error) {
	time.Sleep(200 * time.Millisecond)
	w.cancel()
	return len(p), nil
}

func TestExecRunner_CancelAfterSuccessKeepsExitZero(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	code, err := (&ExecRunner{}).Run(ctx, Command{Script: "echo done", Output: &cancelAfterWrite{cancel: cancel}})
	if err != nil {
		t.Fatalf("finished command reported as cancelled: %v", err)
	}
	if code != 0 {
		t.Errorf("expected exit_code=0, got %d", code)
	}
	if ctx.Err() == nil {
		t.Error("expected the context to be cancelled by the writer")
	}
}

func TestExecRunner_MissingShell(t *testing.T) {
	r := &ExecRunner{Shell: "/definitely/not/a/shell"}
	code, err := r.Run(context.Background(), Command{Script: "true"})
	if err == nil {
		t.Fatal("expected error for missing shell")
	}
	if code != -1 {
		t.Errorf("expected exit_code=-1, got %d", code)
	}
}

func TestTail_KeepsEnd(t *testing.T) {
	tail := NewTail(10)
	tail.Write([]byte("0123456789"))
	if tail.String() != "0123456789" {
		t.Errorf("got %q", tail.String())
	}
	tail.Write([]byte("abc"))
	if got := tail.String(); got != "…(truncated)\n3456789abc" {
		t.Errorf("got %q", got)
	}
}

func TestTail_DefaultMax(t *testing.T) {
	tail := NewTail(0)
	if tail.Max != MaxTailLen {
		t.Errorf("Max = %d, want %d", tail.Max, MaxTailLen)
	}
}
