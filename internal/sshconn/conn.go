package sshconn

import (
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Conn is a single remote shell endpoint capable of running commands.
// The executor drives this interface so tests can substitute fakes.
type Conn interface {
	// Start launches cmd in a fresh session. stdin, when non-empty, is
	// written to the command and then closed. Output chunks are delivered
	// to onChunk as they arrive, with stderr data flagged.
	Start(ctx context.Context, cmd string, stdin string, onChunk func(p []byte, stderr bool)) (Proc, error)

	// Healthy reports whether the underlying transport still answers.
	Healthy() bool

	// Close tears down the transport.
	Close() error
}

// Proc is a started remote command.
type Proc interface {
	// Wait blocks until the command exits or ctx is done. On ctx
	// expiry the session is closed to terminate the remote side and the
	// ctx error is returned. The int is the remote exit code.
	Wait(ctx context.Context) (int, error)

	// Abandon stops reading output but leaves the remote command
	// running. Used for scripts that never exit on their own.
	Abandon()
}

type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) Start(ctx context.Context, cmd string, stdin string, onChunk func(p []byte, stderr bool)) (Proc, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	var stdinPipe io.WriteCloser
	if stdin != "" {
		stdinPipe, err = session.StdinPipe()
		if err != nil {
			session.Close()
			return nil, err
		}
	}
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, err
	}
	if stdinPipe != nil {
		go func() {
			io.WriteString(stdinPipe, stdin)
			stdinPipe.Close()
		}()
	}

	p := &sshProc{session: session, waitCh: make(chan error, 1)}
	p.readers.Add(2)
	go p.pump(stdoutPipe, false, onChunk)
	go p.pump(stderrPipe, true, onChunk)
	go func() {
		err := session.Wait()
		p.readers.Wait()
		p.waitCh <- err
	}()
	return p, nil
}

func (c *sshConn) Healthy() bool {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (c *sshConn) Close() error {
	return c.client.Close()
}

type sshProc struct {
	session   *ssh.Session
	readers   sync.WaitGroup
	waitCh    chan error
	abandoned bool
	mu        sync.Mutex
}

func (p *sshProc) pump(r io.Reader, stderr bool, onChunk func([]byte, bool)) {
	defer p.readers.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.mu.Lock()
			detached := p.abandoned
			p.mu.Unlock()
			if !detached && onChunk != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onChunk(chunk, stderr)
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *sshProc) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		p.session.Close()
		<-p.waitCh
		return -1, ctx.Err()
	case err := <-p.waitCh:
		if err == nil {
			return 0, nil
		}
		var exit *ssh.ExitError
		if errors.As(err, &exit) {
			return exit.ExitStatus(), nil
		}
		return -1, err
	}
}

func (p *sshProc) Abandon() {
	p.mu.Lock()
	p.abandoned = true
	p.mu.Unlock()
}
