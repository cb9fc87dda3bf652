// Package ptyio exposes the master side of a pseudo-terminal as an
// io.ReadWriteCloser. The slave path can be handed to anything that expects a
// serial device, which makes it a stand-in for a real sensor port.
//
// Writes are queued in a ring buffer and flushed by a background loop; when
// the buffer is full the excess is dropped and counted. Reads block until
// bytes arrive from the slave or the port is closed.
//
//	port, err := ptyio.Open(ptyio.Options{}, logger)
//	if err != nil {
//	    return err
//	}
//	defer port.Close()
//	fmt.Println("serial device:", port.Name())
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/sensorlink/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Options configures a Port.
type Options struct {
	ReadCap     int           `yaml:"read_cap" default:"4096"`
	WriteCap    int           `yaml:"write_cap" default:"8192"`
	PollTimeout time.Duration `yaml:"poll_timeout" default:"50ms"` // bounds shutdown latency
}

// Stats are runtime counters for a Port.
type Stats struct {
	ReadQueueLen  int
	WriteQueueLen int
	DroppedRead   uint64
	DroppedWrite  uint64
	BytesRead     uint64
	BytesWritten  uint64
}

// Port wraps a PTY master.
type Port struct {
	logger *logrus.Logger
	master *os.File
	slave  *os.File
	name   string
	poll   int // ms

	readBuf    *ringbuffer.RingBuffer
	writeBuf   *ringbuffer.RingBuffer
	readReady  chan struct{}
	writeReady chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	err    atomic.Value // error that stopped a loop

	droppedRead  atomic.Uint64
	droppedWrite atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// Open creates a PTY pair with the slave in raw mode and starts the I/O loops.
func Open(opts Options, logger *logrus.Logger) (*Port, error) {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	master, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Port{
		logger:     logger,
		master:     master,
		slave:      slave,
		name:       slave.Name(),
		poll:       int(opts.PollTimeout / time.Millisecond),
		readBuf:    ringbuffer.New(opts.ReadCap),
		writeBuf:   ringbuffer.New(opts.WriteCap),
		readReady:  make(chan struct{}, 1),
		writeReady: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	if p.poll <= 0 {
		p.poll = 1
	}

	p.wg.Add(2)
	groutine.Go(ctx, "pty-read-loop", func(context.Context) { p.readLoop() })
	groutine.Go(ctx, "pty-write-loop", func(context.Context) { p.writeLoop() })

	logger.WithField("tty", p.name).Debug("PTY opened")
	return p, nil
}

// Name returns the slave device path, e.g. /dev/pts/5.
func (p *Port) Name() string {
	return p.name
}

// Write queues b for the slave. Fewer than len(b) bytes are accepted when the
// queue is full; that is not an error.
func (p *Port) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}

	n, err := p.writeBuf.Write(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(b) {
		p.droppedWrite.Add(uint64(len(b) - n))
		p.logger.WithFields(logrus.Fields{
			"queued":  n,
			"dropped": len(b) - n,
		}).Warn("PTY write buffer overflow")
	}
	if n > 0 {
		signal(p.writeReady)
	}
	return n, nil
}

// Read blocks until bytes from the slave are available. It returns io.EOF
// once the port is closed or the slave side has gone away and the buffer is
// drained.
func (p *Port) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		n, err := p.readBuf.TryRead(b)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, err
		}

		select {
		case <-p.readReady:
		case <-p.ctx.Done():
			if p.readBuf.IsEmpty() {
				return 0, p.stopErr()
			}
		}
	}
}

// Close stops the loops and closes both ends of the PTY.
func (p *Port) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	err := errors.Join(p.master.Close(), p.slave.Close())

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-wait-close", func(context.Context) {
		p.wg.Wait()
		close(done)
	})

	timeout := 3*time.Duration(p.poll)*time.Millisecond + time.Second
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.WithField("tty", p.name).Errorf("PTY loops still running after %v", timeout)
	}
	return err
}

// Stats returns a snapshot of the port counters.
func (p *Port) Stats() Stats {
	return Stats{
		ReadQueueLen:  p.readBuf.Length(),
		WriteQueueLen: p.writeBuf.Length(),
		DroppedRead:   p.droppedRead.Load(),
		DroppedWrite:  p.droppedWrite.Load(),
		BytesRead:     p.bytesRead.Load(),
		BytesWritten:  p.bytesWritten.Load(),
	}
}

func (p *Port) stopErr() error {
	if err, ok := p.err.Load().(error); ok && err != nil {
		return err
	}
	return io.EOF
}

// fail records err and stops both loops.
func (p *Port) fail(loop string, err error) {
	p.logger.WithError(err).WithField("loop", loop).Warn("PTY loop stopped")
	p.err.CompareAndSwap(nil, fmt.Errorf("pty %s: %w", loop, err))
	p.cancel()
}

func (p *Port) readLoop() {
	defer p.wg.Done()

	master := p.master
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		ready, err := unix.Poll(fds, p.poll)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Debug("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			written, werr := p.readBuf.Write(buf[:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				p.logger.WithError(werr).Warn("PTY read buffer write failed")
			}
			if written < n {
				p.droppedRead.Add(uint64(n - written))
			}
			p.bytesRead.Add(uint64(written))
			signal(p.readReady)
		}

		switch {
		case err == nil:
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EIO):
			// Linux reports EIO while no process has the slave open.
			time.Sleep(time.Duration(p.poll) * time.Millisecond)
		case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
			return
		default:
			p.fail("read", err)
			return
		}
	}
}

func (p *Port) writeLoop() {
	defer p.wg.Done()

	master := p.master
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for {
		if p.writeBuf.IsEmpty() {
			select {
			case <-p.ctx.Done():
				return
			case <-p.writeReady:
			case <-time.After(time.Duration(p.poll) * time.Millisecond):
			}
			continue
		}

		n, err := p.writeBuf.TryRead(buf)
		if n == 0 || (err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty)) {
			continue
		}

		for off := 0; off < n; {
			if p.ctx.Err() != nil {
				return
			}
			w, err := master.Write(buf[off:n])
			if w > 0 {
				off += w
				p.bytesWritten.Add(uint64(w))
			}
			switch {
			case err == nil:
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
				if _, perr := unix.Poll(fds, p.poll); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithError(perr).Debug("PTY write poll failed")
				}
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				p.fail("write", err)
				return
			}
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// createPTY opens a PTY pair, puts the slave in raw mode and the master in
// non-blocking mode.
func createPTY() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY: %w", err)
	}

	cleanup := func(stage string, cause error) error {
		closeErr := errors.Join(master.Close(), slave.Close())
		if closeErr != nil {
			return fmt.Errorf("%s %s: %w (cleanup: %v)", stage, slave.Name(), cause, closeErr)
		}
		return fmt.Errorf("%s %s: %w", stage, slave.Name(), cause)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, cleanup("failed to set raw mode on", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return nil, nil, cleanup("failed to set non-blocking mode on master for", err)
	}

	return master, slave, nil
}
