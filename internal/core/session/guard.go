// Package session coordinates the global pause/resume barrier used when the
// portal's authenticated session expires mid-run. Expiry is handled
// out-of-band: it never counts as a document failure and never reaches the
// retry policy.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"hcmfetch/internal/logger"
)

// State of the guard's pause machine.
type State string

const (
	Running       State = "running"
	Paused        State = "paused"
	AwaitingHuman State = "awaiting_human"
	Validating    State = "validating"
)

// Confirmer blocks until the human signals that re-authentication is done.
// Tests inject a fake; the CLI uses a stdin prompt.
type Confirmer interface {
	Confirm(ctx context.Context) error
}

// Guard owns the shared paused flag. Workers call Wait before claiming a
// document and around download attempts; whichever worker first detects
// expiry calls TriggerReauth, and everyone else blocks until the barrier
// releases. Cooperative only: a worker mid-download finishes or fails its
// current attempt before it checks the barrier.
type Guard struct {
	log     *logger.Logger
	confirm Confirmer

	mu    sync.Mutex
	state State
	gate  chan struct{} // closed while running; open channel blocks waiters
}

// New creates a guard in the Running state.
func New(confirm Confirmer) *Guard {
	gate := make(chan struct{})
	close(gate)
	if confirm == nil {
		confirm = &StdinConfirmer{In: os.Stdin, Out: os.Stdout}
	}
	return &Guard{
		log:     logger.New("SessionGuard"),
		confirm: confirm,
		state:   Running,
		gate:    gate,
	}
}

// State returns the current barrier state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Wait blocks while the guard is paused. Returns the context error on
// cancellation so workers shut down promptly even mid-pause.
func (g *Guard) Wait(ctx context.Context) error {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-gate:
		return nil
	}
}

// TriggerReauth flips the barrier, prompts the human, and re-validates the
// session before releasing. validate must report true once the portal shows
// an authenticated state again; while it reports false the guard loops back
// to the human prompt rather than resuming on a dead session. Concurrent
// detections coalesce: late callers just wait for the in-flight pause.
func (g *Guard) TriggerReauth(ctx context.Context, validate func(ctx context.Context) (bool, error)) error {
	g.mu.Lock()
	if g.state != Running {
		// Another worker is already handling re-auth.
		g.mu.Unlock()
		return g.Wait(ctx)
	}
	g.state = Paused
	g.gate = make(chan struct{})
	g.mu.Unlock()

	g.log.LogWarn("session expiry detected, pausing all workers")

	defer func() {
		g.mu.Lock()
		g.state = Running
		close(g.gate)
		g.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		g.setState(AwaitingHuman)
		if err := g.confirm.Confirm(ctx); err != nil {
			return fmt.Errorf("session: re-auth confirmation: %w", err)
		}

		g.setState(Validating)
		ok, err := validate(ctx)
		if err != nil {
			g.log.LogError("session re-validation failed, waiting for login again", err)
			continue
		}
		if !ok {
			g.log.LogWarn("session still expired after confirmation, waiting for login again")
			continue
		}

		g.log.LogInfo("session restored, workers resuming")
		return nil
	}
}

// StdinConfirmer prompts on the terminal and blocks until the human presses
// ENTER. Reading happens in a goroutine so context cancellation still
// unblocks the run.
type StdinConfirmer struct {
	In  io.Reader
	Out io.Writer
}

func (c *StdinConfirmer) Confirm(ctx context.Context) error {
	fmt.Fprintln(c.Out)
	fmt.Fprintln(c.Out, "!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!")
	fmt.Fprintln(c.Out, "  SESSION EXPIRED")
	fmt.Fprintln(c.Out, "  Please log in again in the browser window.")
	fmt.Fprintln(c.Out, "  When you are back on the authenticated home page,")
	fmt.Fprintln(c.Out, "  press ENTER here to resume all workers.")
	fmt.Fprintln(c.Out, "!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!")
	fmt.Fprint(c.Out, "  Press ENTER to resume... ")

	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(c.In).ReadString('\n')
		if err == io.EOF {
			err = nil
		}
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		fmt.Fprintln(c.Out)
		return err
	}
}

func (g *Guard) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}
