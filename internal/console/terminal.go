package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/duke-git/lancet/v2/slice"

	"yqhp/dispatcher/internal/master"
)

// ErrQuit is returned by WaitForTrigger when the operator asks to quit.
var ErrQuit = errors.New("operator quit")

// Lister returns the current registry snapshot.
type Lister func() []master.ConnectionInfo

// Terminal is the operator console: it prints the worker list as workers
// join, prints status text, and reads the distribution trigger from input.
type Terminal struct {
	out    io.Writer
	list   Lister
	outMu  sync.Mutex
	in     io.Reader
	reader sync.Once
	lines  chan string

	// readDone is closed when input ends; readErr is set before that.
	readDone chan struct{}
	readErr  error

	done      chan struct{}
	closeOnce sync.Once
}

// NewTerminal creates a terminal console. list may be nil.
func NewTerminal(in io.Reader, out io.Writer, list Lister) *Terminal {
	return &Terminal{
		in:       in,
		out:      out,
		list:     list,
		lines:    make(chan string),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Close releases the input reader. A read already blocked on input returns
// at the next line.
func (t *Terminal) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

// OnConnectionRegistered implements master.Console.
func (t *Terminal) OnConnectionRegistered(info master.ConnectionInfo) {
	workers := t.snapshot()

	t.outMu.Lock()
	defer t.outMu.Unlock()

	fmt.Fprintf(t.out, "worker %d connected from %s\n", info.ID, info.Addr)
	t.printWorkers(workers)
}

// snapshot reads the registry before outMu is taken; status text may be
// printed while the registry lock is held.
func (t *Terminal) snapshot() []master.ConnectionInfo {
	if t.list == nil {
		return nil
	}
	return t.list()
}

// printWorkers writes the worker table. The caller holds outMu.
func (t *Terminal) printWorkers(workers []master.ConnectionInfo) {
	if t.list == nil {
		return
	}

	live := slice.Filter(workers, func(_ int, w master.ConnectionInfo) bool { return w.Live })
	fmt.Fprintf(t.out, "workers: %d registered, %d live\n", len(workers), len(live))
	for _, w := range workers {
		mark := " "
		if w.Live {
			mark = "*"
		}
		fmt.Fprintf(t.out, "  %s %3d  %s\n", mark, w.ID, w.Addr)
	}
}

// OnStatus implements master.Console.
func (t *Terminal) OnStatus(text string) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprintln(t.out, text)
}

// Prompt prints the trigger prompt.
func (t *Terminal) Prompt(defaultUnits int64) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprintf(t.out, "press Enter to distribute %d units, type a unit count, l to list workers, q to quit: ", defaultUnits)
}

// WaitForTrigger blocks until the operator enters a line. An empty line
// selects defaultUnits; a number overrides it. Lines that are not a
// non-negative integer are reported and ignored. It may be called again
// after a refused round; once input ended every call returns the same error.
func (t *Terminal) WaitForTrigger(ctx context.Context, defaultUnits int64) (int64, error) {
	select {
	case <-t.done:
		return 0, ErrQuit
	default:
	}
	t.reader.Do(func() { go t.readLines() })

	t.Prompt(defaultUnits)
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.readDone:
			return 0, t.readErr
		case line := <-t.lines:
			switch strings.TrimSpace(line) {
			case "q", "quit":
				return 0, ErrQuit
			case "l", "list":
				workers := t.snapshot()
				t.outMu.Lock()
				t.printWorkers(workers)
				t.outMu.Unlock()
				t.Prompt(defaultUnits)
				continue
			}
			units, err := parseUnits(line, defaultUnits)
			if err != nil {
				t.OnStatus(err.Error())
				t.Prompt(defaultUnits)
				continue
			}
			return units, nil
		}
	}
}

func (t *Terminal) readLines() {
	defer close(t.readDone)

	scanner := bufio.NewScanner(t.in)
	for scanner.Scan() {
		select {
		case t.lines <- scanner.Text():
		case <-t.done:
			t.readErr = ErrQuit
			return
		}
	}
	t.readErr = scanner.Err()
	if t.readErr == nil {
		t.readErr = io.EOF
	}
}

func parseUnits(line string, defaultUnits int64) (int64, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultUnits, nil
	}
	units, err := strconv.ParseInt(line, 10, 64)
	if err != nil || units < 0 {
		return 0, fmt.Errorf("invalid unit count %q", line)
	}
	return units, nil
}
