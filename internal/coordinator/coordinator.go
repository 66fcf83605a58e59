package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ShutdownState is a one-way flag: once requested it is never cleared
// for the remainder of the experiment.
type ShutdownState string

const (
	ShutdownClear        ShutdownState = "clear"
	ShutdownRequested    ShutdownState = "requested"
	ShutdownAcknowledged ShutdownState = "acknowledged"
)

type State struct {
	Paused   bool          `json:"paused"`
	Reason   string        `json:"reason,omitempty"`
	PausedAt time.Time     `json:"paused_at"`
	Shutdown ShutdownState `json:"shutdown"`
}

// Coordinator shares pause and shutdown flags across workers and across
// OS processes through a JSON state file. Mutations take an exclusive
// flock on a sidecar lock file; the state file itself is replaced by
// rename, so readers never see a torn write.
// Note: syscall.Flock is Unix-only. Windows is not supported.
type Coordinator struct {
	dir       string
	statePath string
	lockPath  string
	pollMin   time.Duration
	pollMax   time.Duration
}

func New(dir string) (*Coordinator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating coordination dir: %w", err)
	}
	c := &Coordinator{
		dir:       dir,
		statePath: filepath.Join(dir, "coordination.json"),
		lockPath:  filepath.Join(dir, "coordination.lock"),
		pollMin:   200 * time.Millisecond,
		pollMax:   2 * time.Second,
	}
	if _, err := os.Stat(c.statePath); os.IsNotExist(err) {
		if _, err := c.update(func(*State) {}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Coordinator) read() (State, error) {
	data, err := os.ReadFile(c.statePath)
	if os.IsNotExist(err) {
		return State{Shutdown: ShutdownClear}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("reading coordination state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parsing coordination state: %w", err)
	}
	if st.Shutdown == "" {
		st.Shutdown = ShutdownClear
	}
	return st, nil
}

// update applies fn to the state under an exclusive cross-process lock
// and persists the result atomically.
func (c *Coordinator) update(fn func(*State)) (State, error) {
	lock, err := os.OpenFile(c.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return State{}, fmt.Errorf("opening coordination lock: %w", err)
	}
	defer lock.Close()
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX); err != nil {
		return State{}, fmt.Errorf("flock: %w", err)
	}
	defer syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)

	st, err := c.read()
	if err != nil {
		return State{}, err
	}
	fn(&st)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return State{}, fmt.Errorf("marshaling coordination state: %w", err)
	}
	data = append(data, '\n')
	tmp := c.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return State{}, fmt.Errorf("writing coordination state: %w", err)
	}
	if err := os.Rename(tmp, c.statePath); err != nil {
		return State{}, fmt.Errorf("renaming coordination state: %w", err)
	}
	return st, nil
}

// Pause sets the shared pause flag. It returns true only for the caller
// that actually flipped the flag, so exactly one worker, in exactly one
// process, wins the transition and owns starting the recovery watcher.
func (c *Coordinator) Pause(reason string) (bool, error) {
	changed := false
	_, err := c.update(func(st *State) {
		if st.Paused {
			return
		}
		st.Paused = true
		st.Reason = reason
		st.PausedAt = time.Now().UTC()
		changed = true
	})
	return changed, err
}

// Resume clears the pause flag. The shutdown flag is untouched; pause
// and shutdown are independent signals.
func (c *Coordinator) Resume() (bool, error) {
	changed := false
	_, err := c.update(func(st *State) {
		if !st.Paused {
			return
		}
		st.Paused = false
		st.Reason = ""
		st.PausedAt = time.Time{}
		changed = true
	})
	return changed, err
}

func (c *Coordinator) IsPaused() bool {
	st, err := c.read()
	return err == nil && st.Paused
}

func (c *Coordinator) PauseReason() string {
	st, err := c.read()
	if err != nil {
		return ""
	}
	return st.Reason
}

// WaitWhilePaused blocks until the pause flag clears, polling with a
// backoff capped at pollMax. It also returns when shutdown is
// requested, since a paused worker must still honor shutdown; callers
// re-check the shutdown flag after waking.
func (c *Coordinator) WaitWhilePaused(ctx context.Context) error {
	interval := c.pollMin
	for {
		st, err := c.read()
		if err != nil {
			return err
		}
		if !st.Paused || st.Shutdown != ShutdownClear {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		if interval < c.pollMax {
			interval = min(interval*2, c.pollMax)
		}
	}
}

// SignalShutdown requests a cooperative stop. Calling it again, or
// after acknowledgement, changes nothing.
func (c *Coordinator) SignalShutdown() error {
	_, err := c.update(func(st *State) {
		if st.Shutdown == ShutdownClear {
			st.Shutdown = ShutdownRequested
		}
	})
	return err
}

// AcknowledgeShutdown records that the orchestrator observed the
// request and is winding down.
func (c *Coordinator) AcknowledgeShutdown() error {
	_, err := c.update(func(st *State) {
		if st.Shutdown == ShutdownRequested {
			st.Shutdown = ShutdownAcknowledged
		}
	})
	return err
}

func (c *Coordinator) ShutdownRequested() bool {
	st, err := c.read()
	return err == nil && st.Shutdown != ShutdownClear
}

func (c *Coordinator) ShutdownState() ShutdownState {
	st, err := c.read()
	if err != nil {
		return ShutdownClear
	}
	return st.Shutdown
}

// Reset clears both signals. The session initiator calls this once at
// startup so a previous session's sticky shutdown cannot bleed into a
// new run; processes joining an active session must not call it.
func (c *Coordinator) Reset() error {
	_, err := c.update(func(st *State) {
		*st = State{Shutdown: ShutdownClear}
	})
	return err
}
