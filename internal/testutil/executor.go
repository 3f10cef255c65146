package testutil

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Reply answers every command that contains Match.
type Reply struct {
	Match string
	Out   string
	Err   error
}

// Executor is a scripted core.Executor. Replies are checked in order; the
// first whose Match is a substring of the command wins.
type Executor struct {
	mu       sync.Mutex
	replies  []Reply
	Default  string
	commands []string
}

func NewExecutor(replies ...Reply) *Executor {
	return &Executor{replies: replies}
}

// On appends a reply and returns the executor for chaining.
func (e *Executor) On(match, out string, err error) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replies = append(e.replies, Reply{Match: match, Out: out, Err: err})
	return e
}

func (e *Executor) Execute(ctx context.Context, serverID, command string, timeout time.Duration) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, command)
	for _, r := range e.replies {
		if strings.Contains(command, r.Match) {
			return r.Out, r.Err
		}
	}
	return e.Default, nil
}

// Commands returns every command executed so far.
func (e *Executor) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// CommandsContaining filters Commands by substring.
func (e *Executor) CommandsContaining(sub string) []string {
	var out []string
	for _, c := range e.Commands() {
		if strings.Contains(c, sub) {
			out = append(out, c)
		}
	}
	return out
}
