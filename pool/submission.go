package pool

// Submission is an ordered sequence of Commands executed strictly
// sequentially on one process, plus optional lifecycle hooks and a flag
// that instructs the executor to replace its process once the submission
// ends.
type Submission struct {
	// Commands are executed in order on the executor's process. No command
	// of another submission may interleave with these on the same stdin.
	Commands []*Command

	// OnStart is invoked just before the first Command is dispatched. proc
	// is the child ProcessHandle, allowing hooks that need to inspect or
	// signal the process directly (rarely needed; most hooks ignore it).
	OnStart func(proc ProcessHandle)

	// OnFinish is invoked once, after the last Command completes or the
	// submission is abandoned due to failure.
	OnFinish func()

	// GetResult is invoked after OnFinish to obtain the value published
	// through the Future. May be nil, in which case the Future resolves
	// with a nil result.
	GetResult func() (any, error)

	// TerminateAfter instructs the executor to terminate and replace its
	// process after this submission regardless of outcome.
	TerminateAfter bool
}

// NewSubmission creates a Submission from an ordered list of Commands.
func NewSubmission(commands ...*Command) *Submission {
	return &Submission{Commands: commands}
}

// WithHooks attaches lifecycle hooks and returns the same Submission for
// chaining.
func (s *Submission) WithHooks(onStart func(ProcessHandle), onFinish func(), getResult func() (any, error)) *Submission {
	s.OnStart = onStart
	s.OnFinish = onFinish
	s.GetResult = getResult
	return s
}

// WithTerminateAfter sets TerminateAfter and returns the same Submission
// for chaining.
func (s *Submission) WithTerminateAfter(terminate bool) *Submission {
	s.TerminateAfter = terminate
	return s
}

func (s *Submission) runStart(proc ProcessHandle) {
	if s.OnStart != nil {
		s.OnStart(proc)
	}
}

func (s *Submission) runFinish() {
	if s.OnFinish != nil {
		s.OnFinish()
	}
}

func (s *Submission) result() (any, error) {
	if s.GetResult != nil {
		return s.GetResult()
	}
	return nil, nil
}
