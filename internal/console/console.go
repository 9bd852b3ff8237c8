// Package console provides master.Console implementations: a structured log
// console, a bounded status history for the control surface, an interactive
// terminal, and a fan-out that combines them.
package console

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/dispatcher/internal/master"
)

// LogConsole writes every event to a zap logger.
type LogConsole struct {
	logger *zap.Logger
}

// NewLogConsole creates a console that logs through logger.
func NewLogConsole(logger *zap.Logger) *LogConsole {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogConsole{logger: logger}
}

// OnConnectionRegistered implements master.Console.
func (c *LogConsole) OnConnectionRegistered(info master.ConnectionInfo) {
	c.logger.Info("worker connected",
		zap.Int("id", info.ID),
		zap.String("addr", info.Addr))
}

// OnStatus implements master.Console.
func (c *LogConsole) OnStatus(text string) {
	c.logger.Info(text)
}

// StatusLine is one entry in the status history.
type StatusLine struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// StatusLog keeps the most recent status lines in a fixed-size ring.
type StatusLog struct {
	mu    sync.Mutex
	lines []StatusLine
	next  int
	full  bool
}

// NewStatusLog creates a history holding at most capacity lines.
func NewStatusLog(capacity int) *StatusLog {
	if capacity <= 0 {
		capacity = 500
	}
	return &StatusLog{lines: make([]StatusLine, capacity)}
}

// OnConnectionRegistered implements master.Console.
func (l *StatusLog) OnConnectionRegistered(info master.ConnectionInfo) {
	l.add("worker " + strconv.Itoa(info.ID) + " connected from " + info.Addr)
}

// OnStatus implements master.Console.
func (l *StatusLog) OnStatus(text string) {
	l.add(text)
}

func (l *StatusLog) add(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lines[l.next] = StatusLine{Time: time.Now(), Text: text}
	l.next = (l.next + 1) % len(l.lines)
	if l.next == 0 {
		l.full = true
	}
}

// Lines returns the retained history, oldest first.
func (l *StatusLog) Lines() []StatusLine {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		return append([]StatusLine(nil), l.lines[:l.next]...)
	}
	out := make([]StatusLine, 0, len(l.lines))
	out = append(out, l.lines[l.next:]...)
	return append(out, l.lines[:l.next]...)
}

// Multi fans every event out to each console in order.
type Multi []master.Console

// OnConnectionRegistered implements master.Console.
func (m Multi) OnConnectionRegistered(info master.ConnectionInfo) {
	for _, c := range m {
		c.OnConnectionRegistered(info)
	}
}

// OnStatus implements master.Console.
func (m Multi) OnStatus(text string) {
	for _, c := range m {
		c.OnStatus(text)
	}
}
