// Package executor runs one script on one host over an established
// SSH connection. It owns the bounded/infinite execution modes, the
// interpreter dispatch, and output decoding.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scriptherd/scriptherd/internal/model"
	"github.com/scriptherd/scriptherd/internal/observability"
	"github.com/scriptherd/scriptherd/internal/sshconn"
	"github.com/scriptherd/scriptherd/internal/store"
)

// ErrTimeout marks a bounded execution that exceeded its per-host
// timeout. The message text is stored verbatim on the execution row.
var ErrTimeout = errors.New("Command timed out")

// ConnSource hands out connections to hosts. Satisfied by
// sshconn.Manager; faked in tests.
type ConnSource interface {
	Acquire(ctx context.Context, host *model.Host) (sshconn.Conn, func(), error)
	Evict(host *model.Host, conn sshconn.Conn)
}

// Result is the outcome of one run. For infinite scripts Detached is
// true: the captured window is in Output and the remote command is
// still running.
type Result struct {
	Output   string
	ErrText  string
	ExitCode int
	Detached bool
}

// Engine executes scripts on hosts.
type Engine struct {
	conns ConnSource
	store store.Store
	log   zerolog.Logger
}

func NewEngine(conns ConnSource, st store.Store, log zerolog.Logger) *Engine {
	return &Engine{
		conns: conns,
		store: st,
		log:   log.With().Str("component", "executor").Logger(),
	}
}

// Run executes script on host under the given execution id. Non-zero
// remote exit codes are reported in the Result, not as an error; an
// error return means the run itself could not complete.
func (e *Engine) Run(ctx context.Context, script *model.Script, host *model.Host, executionID string) (Result, error) {
	started := time.Now()
	defer func() {
		observability.ExecutionDuration.Observe(time.Since(started).Seconds())
	}()

	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		settings = model.DefaultSettings()
	}

	strat, err := resolveStrategy(script, host, executionID)
	if err != nil {
		return Result{}, err
	}

	conn, release, err := e.conns.Acquire(ctx, host)
	if err != nil {
		return Result{}, err
	}
	defer release()

	var mu sync.Mutex
	var stdout, stderr bytes.Buffer
	onChunk := func(p []byte, isStderr bool) {
		mu.Lock()
		defer mu.Unlock()
		if isStderr {
			stderr.Write(p)
		} else {
			stdout.Write(p)
		}
	}

	proc, err := conn.Start(ctx, strat.cmd, strat.stdin, onChunk)
	if err != nil {
		e.conns.Evict(host, conn)
		return Result{}, fmt.Errorf("%w: open session on %s: %v", sshconn.ErrConnection, host.Address, err)
	}

	if strat.settleDelay > 0 {
		time.Sleep(strat.settleDelay)
	}

	snapshot := func() (string, string) {
		mu.Lock()
		defer mu.Unlock()
		return decodeOutput(stdout.Bytes(), strat.windowsText),
			decodeOutput(stderr.Bytes(), strat.windowsText)
	}

	// The long_running escalation runs in either mode. The mark is a
	// no-op once the row is terminal, so a detached infinite run keeps
	// the timer armed and escalates while it stays running.
	escalate := time.AfterFunc(time.Duration(settings.LongRunningDelaySeconds)*time.Second, func() {
		if err := e.store.MarkExecutionLongRunning(context.Background(), executionID); err != nil {
			e.log.Warn().Err(err).Str("execution_id", executionID).Msg("long_running escalation failed")
		}
	})

	if script.Infinite() {
		res, err := e.waitInfinite(ctx, proc, executionID,
			time.Duration(settings.VirtualTimeoutDuration)*time.Second, snapshot)
		if err != nil || !res.Detached {
			escalate.Stop()
		}
		return res, err
	}
	res, err := e.waitBounded(ctx, proc, script, snapshot)
	escalate.Stop()
	return res, err
}

type waitResult struct {
	code int
	err  error
}

// waitBounded waits for the command to exit, failing it at the script's
// per-host timeout.
func (e *Engine) waitBounded(ctx context.Context, proc sshconn.Proc, script *model.Script, snapshot func() (string, string)) (Result, error) {
	timeout := time.Duration(script.PerHostTimeoutSeconds) * time.Second

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	code, err := proc.Wait(waitCtx)
	out, errText := snapshot()
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{Output: out, ErrText: errText, ExitCode: -1},
			fmt.Errorf("%w after %ds", ErrTimeout, script.PerHostTimeoutSeconds)
	}
	if err != nil {
		return Result{Output: out, ErrText: errText, ExitCode: -1}, err
	}
	return Result{Output: out, ErrText: errText, ExitCode: code}, nil
}

// waitInfinite captures output for the virtual window, then detaches
// and leaves the remote command running. An early exit inside the
// window is reported with its real exit code.
func (e *Engine) waitInfinite(ctx context.Context, proc sshconn.Proc, executionID string, window time.Duration, snapshot func() (string, string)) (Result, error) {
	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()

	done := make(chan waitResult, 1)
	go func() {
		code, err := proc.Wait(waitCtx)
		done <- waitResult{code, err}
	}()

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		cancelWait()
		<-done
		out, errText := snapshot()
		return Result{Output: out, ErrText: errText, ExitCode: -1}, ctx.Err()

	case r := <-done:
		out, errText := snapshot()
		if r.err != nil {
			return Result{Output: out, ErrText: errText, ExitCode: -1}, r.err
		}
		return Result{Output: out, ErrText: errText, ExitCode: r.code}, nil

	case <-timer.C:
		proc.Abandon()
		out, errText := snapshot()
		if err := e.store.SetExecutionOutput(context.Background(), executionID, out); err != nil {
			e.log.Warn().Err(err).Str("execution_id", executionID).Msg("window output flush failed")
		}
		return Result{Output: out, ErrText: errText, ExitCode: 0, Detached: true}, nil
	}
}
