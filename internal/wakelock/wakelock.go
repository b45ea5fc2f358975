// Package wakelock keeps the machine from sleeping while a transfer runs.
package wakelock

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
)

var (
	// ErrUnsupported is returned when no inhibitor exists for this platform.
	ErrUnsupported = errors.New("wake lock unsupported on this platform")

	// ErrUnknownHandle is returned when releasing a handle that is not held.
	ErrUnknownHandle = errors.New("unknown wake lock handle")
)

// Handle identifies one acquired lock.
type Handle uint64

// Locker acquires and releases wake locks.
type Locker interface {
	Acquire() (Handle, error)
	Release(Handle) error
}

// Nop is a Locker that holds nothing.
type Nop struct{}

func (Nop) Acquire() (Handle, error) { return 1, nil }
func (Nop) Release(Handle) error     { return nil }

// Inhibitor holds a lock by keeping a platform inhibitor process alive:
// systemd-inhibit on Linux, caffeinate on macOS. Releasing kills it.
type Inhibitor struct {
	// Command builds the process to run per lock. Defaults to the platform
	// inhibitor.
	Command func() (*exec.Cmd, error)

	mu   sync.Mutex
	next Handle
	held map[Handle]*exec.Cmd
}

// Default returns an Inhibitor when the platform has one, Nop otherwise.
func Default() Locker {
	if _, err := platformCommand(); err != nil {
		return Nop{}
	}
	return &Inhibitor{}
}

// Acquire starts an inhibitor process.
func (i *Inhibitor) Acquire() (Handle, error) {
	build := i.Command
	if build == nil {
		build = platformCommand
	}
	cmd, err := build()
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.held == nil {
		i.held = make(map[Handle]*exec.Cmd)
	}
	i.next++
	i.held[i.next] = cmd
	return i.next, nil
}

// Release stops the process behind h.
func (i *Inhibitor) Release(h Handle) error {
	i.mu.Lock()
	cmd, ok := i.held[h]
	delete(i.held, h)
	i.mu.Unlock()

	if !ok {
		return ErrUnknownHandle
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("stop %s: %w", cmd.Path, err)
	}
	// The exit status of a killed process is always an error.
	_ = cmd.Wait()
	return nil
}

// Held returns the number of locks currently held.
func (i *Inhibitor) Held() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.held)
}

func platformCommand() (*exec.Cmd, error) {
	var name string
	var args []string
	switch runtime.GOOS {
	case "linux":
		name = "systemd-inhibit"
		args = []string{"--what=idle:sleep", "--who=pipeline", "--why=file transfer", "--mode=block", "sleep", "infinity"}
	case "darwin":
		name = "caffeinate"
		args = []string{"-i"}
	default:
		return nil, ErrUnsupported
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found", ErrUnsupported, name)
	}
	return exec.Command(path, args...), nil
}
