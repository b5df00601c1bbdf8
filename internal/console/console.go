// Package console is the terminal front end of an interview session. It
// renders conversation snapshots, reads slash commands from stdin and writes
// coding questions into a workspace directory.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/intervoice/internal/conversation"
	"github.com/MrWong99/intervoice/internal/sessionapi"
)

// ErrQuit is returned by [Console.Run] when the user ends the session.
var ErrQuit = errors.New("console: quit")

// Actions are the session operations reachable from the command line.
type Actions interface {
	// SubmitCode executes the file at path against the current coding
	// question and relays the result. An empty path selects the latest
	// workspace file.
	SubmitCode(ctx context.Context, path string) (*sessionapi.ExecuteResult, error)

	// Transcript fetches the persisted conversation.
	Transcript(ctx context.Context) (*sessionapi.Transcript, error)
}

// Console reads commands and prints the conversation. Writes are serialised
// so snapshot rendering and command output never interleave mid-line.
type Console struct {
	lines *bufio.Scanner

	mu       sync.Mutex
	out      io.Writer
	rendered int
	partial  string
	thinking bool
	lastErr  string
}

// New creates a console reading commands from in and writing to out.
func New(in io.Reader, out io.Writer) *Console {
	return &Console{lines: bufio.NewScanner(in), out: out}
}

// Printf writes a line to the console.
func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// Confirm asks a yes/no question and reads one answer. It must not be called
// while [Console.Run] is active.
func (c *Console) Confirm(prompt string) bool {
	c.Printf("%s [Y/n]", prompt)
	if !c.lines.Scan() {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(c.lines.Text())) {
	case "", "y", "yes":
		return true
	}
	return false
}

// Render prints what changed since the previous snapshot: finalized
// messages, the provisional transcript, the processing indicator and errors.
// It has the signature of a [conversation.Store] subscriber.
func (c *Console) Render(s conversation.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rendered > len(s.Messages) {
		c.rendered = 0
	}
	for _, m := range s.Messages[c.rendered:] {
		fmt.Fprintf(c.out, "%s %s\n", speaker(m.Role), m.Content)
	}
	c.rendered = len(s.Messages)

	if s.PartialUser != c.partial {
		c.partial = s.PartialUser
		if s.PartialUser != "" {
			fmt.Fprintf(c.out, "      … %s\n", s.PartialUser)
		}
	}

	thinking := s.Processing && s.PartialUser == "" && s.PartialAssistant == ""
	if thinking && !c.thinking {
		fmt.Fprintln(c.out, "      (interviewer is thinking)")
	}
	c.thinking = thinking

	if s.Error != c.lastErr {
		c.lastErr = s.Error
		if s.Error != "" {
			fmt.Fprintf(c.out, "  ! %s\n", s.Error)
		}
	}
}

func speaker(r conversation.Role) string {
	if r == conversation.RoleAssistant {
		return "[interviewer]"
	}
	return "[you]        "
}

const help = `commands:
  /submit [file]   run your solution against the test cases and send the result
  /transcript      print the saved transcript
  /quit            end the interview`

// Run processes commands until /quit, end of input or ctx is done. End of
// input behaves like /quit.
func (c *Console) Run(ctx context.Context, actions Actions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for c.lines.Scan() {
			select {
			case lines <- c.lines.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.Printf("%s", help)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return ErrQuit
			}
			if err := c.dispatch(ctx, actions, strings.TrimSpace(line)); err != nil {
				return err
			}
		}
	}
}

func (c *Console) dispatch(ctx context.Context, actions Actions, line string) error {
	if line == "" {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return ErrQuit

	case "/help":
		c.Printf("%s", help)

	case "/submit":
		res, err := actions.SubmitCode(ctx, arg)
		if err != nil {
			c.Printf("  ! submit failed: %v", err)
			return nil
		}
		c.PrintResult(res)

	case "/transcript":
		tr, err := actions.Transcript(ctx)
		if err != nil {
			c.Printf("  ! transcript unavailable: %v", err)
			return nil
		}
		c.PrintTranscript(tr)

	default:
		c.Printf("unknown command %q (type /help)", cmd)
	}
	return nil
}

// PrintResult prints a code execution outcome.
func (c *Console) PrintResult(r *sessionapi.ExecuteResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	passed := 0
	for _, tr := range r.TestResults {
		if tr.Passed {
			passed++
		}
	}
	fmt.Fprintf(c.out, "  %d/%d tests passed in %.0f ms\n", passed, len(r.TestResults), r.ExecutionTime)
	for _, tr := range r.TestResults {
		mark := "ok  "
		if !tr.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(c.out, "    %s #%d input=%s expected=%s actual=%s", mark, tr.TestCase, tr.Input, tr.Expected, tr.Actual)
		if tr.Error != "" {
			fmt.Fprintf(c.out, " error=%s", tr.Error)
		}
		fmt.Fprintln(c.out)
	}
	if r.Error != "" {
		fmt.Fprintf(c.out, "  ! %s\n", r.Error)
	}
}

// PrintTranscript prints a persisted transcript.
func (c *Console) PrintTranscript(t *sessionapi.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(t.Entries) == 0 {
		fmt.Fprintln(c.out, "  (transcript is empty)")
		return
	}
	for _, e := range t.Entries {
		fmt.Fprintf(c.out, "  %s %s: %s\n", e.Timestamp, e.Role, e.Content)
	}
}
