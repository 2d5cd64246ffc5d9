package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scriptherd/scriptherd/internal/model"
	"github.com/scriptherd/scriptherd/internal/sshconn"
	"github.com/scriptherd/scriptherd/internal/store"
)

// fakeConn scripts the behavior of one remote command.
type fakeConn struct {
	stdout   string
	stderr   string
	exitCode int
	runFor   time.Duration // 0 means exit immediately, <0 means never exit
	startErr error

	lastCmd   string
	lastStdin string
}

func (c *fakeConn) Start(ctx context.Context, cmd string, stdin string, onChunk func([]byte, bool)) (sshconn.Proc, error) {
	if c.startErr != nil {
		return nil, c.startErr
	}
	c.lastCmd = cmd
	c.lastStdin = stdin
	if onChunk != nil {
		if c.stdout != "" {
			onChunk([]byte(c.stdout), false)
		}
		if c.stderr != "" {
			onChunk([]byte(c.stderr), true)
		}
	}
	return &fakeProc{exitCode: c.exitCode, runFor: c.runFor}, nil
}

func (c *fakeConn) Healthy() bool { return true }
func (c *fakeConn) Close() error  { return nil }

type fakeProc struct {
	exitCode  int
	runFor    time.Duration
	abandoned bool
}

func (p *fakeProc) Wait(ctx context.Context) (int, error) {
	if p.runFor == 0 {
		return p.exitCode, nil
	}
	var exit <-chan time.Time
	if p.runFor > 0 {
		t := time.NewTimer(p.runFor)
		defer t.Stop()
		exit = t.C
	}
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-exit:
		return p.exitCode, nil
	}
}

func (p *fakeProc) Abandon() { p.abandoned = true }

type fakeConns struct {
	conn    *fakeConn
	evicted bool
}

func (f *fakeConns) Acquire(ctx context.Context, host *model.Host) (sshconn.Conn, func(), error) {
	return f.conn, func() {}, nil
}

func (f *fakeConns) Evict(host *model.Host, conn sshconn.Conn) { f.evicted = true }

func testEngine(conn *fakeConn) (*Engine, *store.MemoryStore) {
	st := store.NewMemoryStore()
	st.PutSettings(model.Settings{
		MaxConcurrentExecutions:         8,
		VirtualTimeoutDuration:          1,
		LongRunningDelaySeconds:         300,
		ScheduleTriggerToleranceSeconds: 30,
	})
	return NewEngine(&fakeConns{conn: conn}, st, zerolog.Nop()), st
}

func seedExecution(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	err := st.CreateExecution(context.Background(), &model.Execution{
		ID: id, ScriptID: "s", HostID: "h", Status: model.ExecRunning, StartedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed execution: %v", err)
	}
}

func TestRunBoundedSuccess(t *testing.T) {
	conn := &fakeConn{stdout: "hello\n", exitCode: 0}
	engine, st := testEngine(conn)
	seedExecution(t, st, "e1")

	script := &model.Script{ID: "s", Content: "echo hello", Interpreter: model.InterpreterShell, PerHostTimeoutSeconds: 30}
	host := &model.Host{ID: "h", Address: "10.0.0.1", OSFamily: model.OSPosix}

	res, err := engine.Run(context.Background(), script, host, "e1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "hello\n" || res.ExitCode != 0 || res.Detached {
		t.Fatalf("res = %+v", res)
	}
	if conn.lastCmd != "/bin/sh -s" {
		t.Fatalf("cmd = %q, want /bin/sh -s", conn.lastCmd)
	}
	if conn.lastStdin != "echo hello" {
		t.Fatalf("stdin = %q, want the script content", conn.lastStdin)
	}
}

func TestRunBoundedNonZeroExit(t *testing.T) {
	conn := &fakeConn{stderr: "no such file\n", exitCode: 2}
	engine, st := testEngine(conn)
	seedExecution(t, st, "e1")

	script := &model.Script{ID: "s", Content: "ls /nope", Interpreter: model.InterpreterShell, PerHostTimeoutSeconds: 30}
	host := &model.Host{ID: "h", OSFamily: model.OSPosix}

	res, err := engine.Run(context.Background(), script, host, "e1")
	if err != nil {
		t.Fatalf("a non-zero exit is not an engine error, got %v", err)
	}
	if res.ExitCode != 2 || res.ErrText != "no such file\n" {
		t.Fatalf("res = %+v", res)
	}
}

func TestRunBoundedTimeout(t *testing.T) {
	conn := &fakeConn{runFor: -1} // never exits
	engine, st := testEngine(conn)
	seedExecution(t, st, "e1")

	script := &model.Script{ID: "s", Content: "sleep 99", Interpreter: model.InterpreterShell, PerHostTimeoutSeconds: 1}
	host := &model.Host{ID: "h", OSFamily: model.OSPosix}

	_, err := engine.Run(context.Background(), script, host, "e1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if !strings.Contains(err.Error(), "Command timed out after 1s") {
		t.Fatalf("err text = %q, want the timeout message", err.Error())
	}
}

func TestRunInfiniteDetaches(t *testing.T) {
	conn := &fakeConn{stdout: "tick\n", runFor: -1}
	engine, st := testEngine(conn)
	seedExecution(t, st, "e1")

	script := &model.Script{ID: "s", Content: "while true; do date; done", Interpreter: model.InterpreterShell, PerHostTimeoutSeconds: 0}
	host := &model.Host{ID: "h", OSFamily: model.OSPosix}

	res, err := engine.Run(context.Background(), script, host, "e1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Detached {
		t.Fatal("infinite script should detach after the capture window")
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0 for a detached run", res.ExitCode)
	}
	if res.Output != "tick\n" {
		t.Fatalf("output = %q, want the window capture", res.Output)
	}

	// The window capture is flushed to the row, which stays running.
	exec, err := st.GetExecution(context.Background(), "e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status != model.ExecRunning {
		t.Fatalf("status = %s, want running", exec.Status)
	}
	if exec.Output != "tick\n" {
		t.Fatalf("stored output = %q, want the window capture", exec.Output)
	}
}

func TestRunInfiniteDetachedEscalatesToLongRunning(t *testing.T) {
	conn := &fakeConn{stdout: "tick\n", runFor: -1}
	st := store.NewMemoryStore()
	st.PutSettings(model.Settings{
		MaxConcurrentExecutions:         8,
		VirtualTimeoutDuration:          1,
		LongRunningDelaySeconds:         2,
		ScheduleTriggerToleranceSeconds: 30,
	})
	engine := NewEngine(&fakeConns{conn: conn}, st, zerolog.Nop())
	seedExecution(t, st, "e1")

	script := &model.Script{ID: "s", Content: "while true; do date; done", Interpreter: model.InterpreterShell, PerHostTimeoutSeconds: 0}
	host := &model.Host{ID: "h", OSFamily: model.OSPosix}

	res, err := engine.Run(context.Background(), script, host, "e1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Detached {
		t.Fatal("infinite script should detach after the capture window")
	}

	// The escalation timer keeps running after the detach; the row
	// moves to long_running once the delay elapses.
	deadline := time.Now().Add(3 * time.Second)
	for {
		exec, err := st.GetExecution(context.Background(), "e1")
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if exec.Status == model.ExecLongRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want long_running after the escalation delay", exec.Status)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRunInfiniteEarlyExit(t *testing.T) {
	conn := &fakeConn{stdout: "done\n", exitCode: 3, runFor: 50 * time.Millisecond}
	engine, st := testEngine(conn)
	seedExecution(t, st, "e1")

	script := &model.Script{ID: "s", Content: "exit 3", Interpreter: model.InterpreterShell, PerHostTimeoutSeconds: 0}
	host := &model.Host{ID: "h", OSFamily: model.OSPosix}

	res, err := engine.Run(context.Background(), script, host, "e1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Detached {
		t.Fatal("a script that exits inside the window is a normal finish")
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestRunStartErrorEvicts(t *testing.T) {
	conn := &fakeConn{startErr: errors.New("broken pipe")}
	conns := &fakeConns{conn: conn}
	st := store.NewMemoryStore()
	engine := NewEngine(conns, st, zerolog.Nop())
	seedExecution(t, st, "e1")

	script := &model.Script{ID: "s", Content: "true", Interpreter: model.InterpreterShell, PerHostTimeoutSeconds: 10}
	host := &model.Host{ID: "h", OSFamily: model.OSPosix}

	_, err := engine.Run(context.Background(), script, host, "e1")
	if !errors.Is(err, sshconn.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if !conns.evicted {
		t.Fatal("a session open failure should evict the pooled connection")
	}
}
