package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"debugbridge/internal/logging"
)

// StreamOpener opens a byte stream pair to target. Frames on the stream are
// NUL-delimited JSON, the framing Chrome uses for --remote-debugging-pipe.
type StreamOpener func(ctx context.Context, target Target) (io.ReadCloser, io.WriteCloser, error)

// StreamEndpoint attaches over a NUL-delimited byte stream.
type StreamEndpoint struct {
	open   StreamOpener
	claims *Claims
}

// NewStreamEndpoint creates a stream endpoint around open.
func NewStreamEndpoint(open StreamOpener) *StreamEndpoint {
	return &StreamEndpoint{open: open, claims: NewClaims()}
}

// SupportsProtocolVersion implements VersionChecker.
func (e *StreamEndpoint) SupportsProtocolVersion(version string) bool {
	return supportsVersion(version)
}

// Attach opens the stream and starts the reader goroutine.
func (e *StreamEndpoint) Attach(ctx context.Context, target Target, sink Sink) (Conn, error) {
	key := target.ID
	if key == "" {
		key = "browser"
	}
	if err := e.claims.Acquire(key); err != nil {
		return nil, err
	}
	r, w, err := e.open(ctx, target)
	if err != nil {
		e.claims.Release(key)
		return nil, fmt.Errorf("open stream to %s: %w", key, err)
	}

	c := &streamConn{
		r:       r,
		w:       w,
		sink:    sink,
		release: func() { e.claims.Release(key) },
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type streamConn struct {
	r    io.ReadCloser
	w    io.WriteCloser
	sink Sink

	writeMu     sync.Mutex
	closing     atomic.Bool
	closeOnce   sync.Once
	releaseOnce sync.Once
	release     func()
	done        chan struct{}
}

func (c *streamConn) Send(raw []byte) error {
	if c.closing.Load() {
		return ErrConnClosed
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		return fmt.Errorf("frame contains NUL byte")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	frame := make([]byte, 0, len(raw)+1)
	frame = append(append(frame, raw...), 0)
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("pipe write: %w", err)
	}
	return nil
}

func (c *streamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.writeMu.Lock()
		err = c.w.Close()
		c.writeMu.Unlock()
		if rerr := c.r.Close(); err == nil {
			err = rerr
		}
		c.releaseOnce.Do(c.release)
	})
	return err
}

func (c *streamConn) readLoop() {
	defer close(c.done)
	reader := bufio.NewReader(c.r)
	for {
		frame, err := reader.ReadBytes(0)
		if len(frame) > 0 && frame[len(frame)-1] == 0 {
			frame = frame[:len(frame)-1]
		}
		if err == nil && len(frame) > 0 {
			c.sink.DispatchMessage(frame)
			continue
		}
		if err == nil {
			continue
		}

		c.releaseOnce.Do(c.release)
		if c.closing.Load() {
			return
		}
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: pipe reached EOF", ErrConnClosed)
		}
		logging.TransportWarn("pipe read ended: %v", err)
		c.sink.Closed(err)
		return
	}
}

// NewPipeEndpoint launches bin with --remote-debugging-pipe and speaks to the
// browser target over fds 3 and 4. Each Attach starts a fresh process; the
// process is killed when the connection closes.
func NewPipeEndpoint(bin string, args []string) *StreamEndpoint {
	return NewStreamEndpoint(func(ctx context.Context, target Target) (io.ReadCloser, io.WriteCloser, error) {
		if target.Type != "" && target.Type != "browser" {
			return nil, nil, fmt.Errorf("pipe transport only reaches the browser target: %w", ErrNoTarget)
		}
		return startPipeProcess(bin, args)
	})
}

// pipeProcess owns the browser process behind a pipe connection.
type pipeProcess struct {
	cmd    *exec.Cmd
	reader *os.File
	once   sync.Once
	wg     sync.WaitGroup
}

func startPipeProcess(bin string, args []string) (io.ReadCloser, io.WriteCloser, error) {
	if bin == "" {
		return nil, nil, fmt.Errorf("empty browser binary for pipe transport")
	}

	// fd 3: browser reads commands. fd 4: browser writes replies.
	childIn, parentOut, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create command pipe: %w", err)
	}
	parentIn, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		parentOut.Close()
		return nil, nil, fmt.Errorf("failed to create reply pipe: %w", err)
	}

	cmd := exec.Command(bin, append([]string{"--remote-debugging-pipe"}, args...)...)
	cmd.ExtraFiles = []*os.File{childIn, childOut}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeAll(childIn, childOut, parentIn, parentOut)
		return nil, nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		closeAll(childIn, childOut, parentIn, parentOut)
		return nil, nil, fmt.Errorf("failed to start %s: %w", bin, err)
	}
	closeAll(childIn, childOut)

	p := &pipeProcess{cmd: cmd, reader: parentIn}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.TransportDebug("[browser stderr] %s", scanner.Text())
		}
	}()
	logging.Transport("started %s (pid %d) with pipe transport", bin, cmd.Process.Pid)
	return p, parentOut, nil
}

func (p *pipeProcess) Read(b []byte) (int, error) {
	return p.reader.Read(b)
}

// Close kills the browser and waits for it to exit.
func (p *pipeProcess) Close() error {
	var err error
	p.once.Do(func() {
		err = p.reader.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			_ = p.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			logging.TransportWarn("timeout waiting for browser process to exit")
		}
	})
	return err
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
