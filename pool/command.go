// Package pool implements a reusable pool of externally-spawned OS
// processes. Callers submit a Submission (an ordered sequence of Commands)
// and the pool picks a free executor, streams each Command's instruction
// into the child's stdin, and consumes its stdout/stderr through the
// Command's completion predicates until the submission finishes.
//
// The pool dynamically grows and shrinks between a configured minimum and
// maximum size, keeping a reserve of idle executors warm to hide process
// spawn latency.
package pool

// Predicate is invoked once per line a child process emits on one output
// stream while the owning Command is active. It reports whether the
// Command is complete (true stops further line consumption for it) and may
// alternatively signal failure, which aborts the enclosing Submission with
// a FailedCommand condition.
//
// cmd is the Command being evaluated; line is the raw text of the output
// line (line endings already stripped). failed, when non-nil, is the
// reason this Command, and its Submission, should be aborted.
type Predicate func(cmd *Command, line string) (done bool, failed error)

// Command is a single stdin instruction plus the predicates that decide,
// line by line, when the process has finished responding to it.
//
// A Command is immutable from the caller's perspective once constructed;
// the executor mutates its captured-output buffers while the Command is
// active and discards the Command when the Submission ends.
type Command struct {
	// Instruction is the text written to the child's stdin, followed by the
	// platform line terminator.
	Instruction string

	// OnStdout is invoked per stdout line while this Command is active. If
	// nil, any stdout line is treated as non-terminating (the Command
	// completes only via OnStderr or by not generating output).
	OnStdout Predicate

	// OnStderr is invoked per stderr line while this Command is active. If
	// nil, the DefaultStderrPredicate policy applies: any non-empty stderr
	// line fails the Command.
	OnStderr Predicate

	// GeneratesOutput, when false, marks the Command complete as soon as its
	// instruction has been written; no lines are consumed for it.
	GeneratesOutput bool

	stdoutLines []string
	stderrLines []string
}

// NewCommand creates a Command that writes instruction and waits for output
// on both streams per the supplied predicates.
func NewCommand(instruction string, onStdout, onStderr Predicate) *Command {
	return &Command{
		Instruction:     instruction,
		OnStdout:        onStdout,
		OnStderr:        onStderr,
		GeneratesOutput: true,
	}
}

// NewSilentCommand creates a Command whose instruction is written but whose
// completion does not depend on any output line (GeneratesOutput is false).
func NewSilentCommand(instruction string) *Command {
	return &Command{Instruction: instruction, GeneratesOutput: false}
}

// DefaultStderrPredicate is the stderr completion policy used when a
// Command supplies no OnStderr predicate: any non-empty stderr line fails
// the Command.
func DefaultStderrPredicate(cmd *Command, line string) (done bool, failed error) {
	if line == "" {
		return false, nil
	}
	return true, errUnexpectedStderr(line)
}

// StdoutLines returns the stdout lines captured for this Command so far,
// in the order the child emitted them.
func (c *Command) StdoutLines() []string {
	return append([]string(nil), c.stdoutLines...)
}

// StderrLines returns the stderr lines captured for this Command so far,
// in the order the child emitted them.
func (c *Command) StderrLines() []string {
	return append([]string(nil), c.stderrLines...)
}

func (c *Command) capture(stream streamKind, line string) {
	switch stream {
	case streamStdout:
		c.stdoutLines = append(c.stdoutLines, line)
	case streamStderr:
		c.stderrLines = append(c.stderrLines, line)
	}
}

func (c *Command) predicateFor(stream streamKind) Predicate {
	switch stream {
	case streamStdout:
		return c.OnStdout
	case streamStderr:
		if c.OnStderr != nil {
			return c.OnStderr
		}
		return DefaultStderrPredicate
	default:
		return nil
	}
}

type streamKind int

const (
	streamStdout streamKind = iota
	streamStderr
)
