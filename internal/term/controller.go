package term

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"courier/internal/logging"
)

var ErrSessionClosed = errors.New("terminal session closed")

const DefaultQuietPeriod = 150 * time.Millisecond

type ControllerState uint32

const (
	controllerStateRunning ControllerState = iota
	controllerStateClosing
	controllerStateClosed
)

func (s ControllerState) String() string {
	switch s {
	case controllerStateClosing:
		return "closing"
	case controllerStateClosed:
		return "closed"
	default:
		return "running"
	}
}

type ControllerOptions struct {
	QuietPeriod    time.Duration
	Cooldown       time.Duration
	EchoWindowSize int
	Logger         *logging.Logger
}

// Controller owns a wrapped program's pseudo-terminal. It relays output
// to subscribers, maintains the echo window, and detects idle windows in
// child output. All PTY writes go through the controller's write mutex,
// so injected blocks and human passthrough never interleave.
type Controller struct {
	ID        string
	CreatedAt time.Time

	pty Pty
	cmd *exec.Cmd
	log *logging.Logger

	writeMu sync.Mutex

	echo     *EchoWindow
	bcast    *Broadcaster
	activity *HumanActivity

	quiet     time.Duration
	idleTimer *time.Timer
	idle      atomic.Bool
	idleCh    chan struct{}
	outputCh  chan struct{}

	done     chan struct{}
	closing  sync.Once
	closeErr error
	state    uint32
}

// Start spawns the command under a pseudo-terminal and returns a running
// controller.
func Start(factory PtyFactory, id, command string, args []string, opts ControllerOptions) (*Controller, error) {
	if factory == nil {
		factory = DefaultPtyFactory()
	}
	pty, cmd, err := factory.Start(command, args...)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return newController(id, pty, cmd, opts), nil
}

func newController(id string, pty Pty, cmd *exec.Cmd, opts ControllerOptions) *Controller {
	quiet := opts.QuietPeriod
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(nil, logging.LevelInfo, nil)
	}

	c := &Controller{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		pty:       pty,
		cmd:       cmd,
		log:       logger.With(map[string]string{"session": id}),
		echo:      NewEchoWindow(opts.EchoWindowSize),
		bcast:     NewBroadcaster(),
		activity:  NewHumanActivity(opts.Cooldown),
		quiet:     quiet,
		idleCh:    make(chan struct{}, 1),
		outputCh:  make(chan struct{}, 1),
		done:      make(chan struct{}),
		state:     uint32(controllerStateRunning),
	}
	c.idleTimer = time.AfterFunc(quiet, c.markIdle)

	go c.readLoop()
	return c
}

func (c *Controller) Subscribe() (<-chan []byte, func()) {
	return c.bcast.Subscribe()
}

func (c *Controller) Echo() *EchoWindow {
	return c.echo
}

func (c *Controller) Activity() *HumanActivity {
	return c.activity
}

func (c *Controller) State() ControllerState {
	return ControllerState(atomic.LoadUint32(&c.state))
}

// Done is closed when the child exits or the controller is closed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Idle reports whether the child has been quiet for the quiet period.
func (c *Controller) Idle() bool {
	return c.idle.Load()
}

// IdleNotify signals (capacity one, never blocks the read loop) each
// time a new idle window opens.
func (c *Controller) IdleNotify() <-chan struct{} {
	return c.idleCh
}

// OutputNotify signals each time child output changes. The echo matcher
// re-checks the window on these, never on a poll tick.
func (c *Controller) OutputNotify() <-chan struct{} {
	return c.outputCh
}

// Write injects bytes into the child's input. Only the injection
// scheduler calls this; a closed session is a non-retryable failure.
func (c *Controller) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if c == nil || c.State() != controllerStateRunning {
		return ErrSessionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() != controllerStateRunning {
		return ErrSessionClosed
	}
	if _, err := c.pty.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return nil
}

// ForwardInput is the human passthrough path. It stamps activity and
// writes synchronously, bypassing all scheduler gating.
func (c *Controller) ForwardInput(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	c.activity.Stamp()
	if c.State() != controllerStateRunning {
		return ErrSessionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() != controllerStateRunning {
		return ErrSessionClosed
	}
	if _, err := c.pty.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return nil
}

func (c *Controller) Resize(cols, rows uint16) error {
	if c == nil || c.pty == nil {
		return ErrSessionClosed
	}
	if err := c.pty.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

func (c *Controller) Close() error {
	c.closing.Do(func() {
		atomic.StoreUint32(&c.state, uint32(controllerStateClosing))
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		c.closeErr = c.closeResources()
		atomic.StoreUint32(&c.state, uint32(controllerStateClosed))
		close(c.done)
		c.bcast.Close()
		c.log.Info("session closed", nil)
	})
	return c.closeErr
}

func (c *Controller) closeResources() error {
	var errs []error
	if c.pty != nil {
		if err := c.pty.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close pty: %w", err))
		}
	}
	if c.cmd != nil && c.cmd.Process != nil {
		killErr := c.cmd.Process.Kill()
		if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill process: %w", killErr))
		}
		if killErr == nil || errors.Is(killErr, os.ErrProcessDone) {
			if c.cmd.ProcessState == nil {
				if err := c.cmd.Wait(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					errs = append(errs, fmt.Errorf("wait process: %w", err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := c.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.observeOutput(chunk)
		}
		if err != nil {
			// Child exited or PTY torn down.
			_ = c.Close()
			return
		}
	}
}

func (c *Controller) observeOutput(chunk []byte) {
	c.echo.Observe(chunk)
	c.bcast.Broadcast(chunk)

	c.idle.Store(false)
	c.idleTimer.Reset(c.quiet)

	select {
	case c.outputCh <- struct{}{}:
	default:
	}
}

func (c *Controller) markIdle() {
	if c.State() != controllerStateRunning {
		return
	}
	c.idle.Store(true)
	select {
	case c.idleCh <- struct{}{}:
	default:
	}
}
