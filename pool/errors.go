package pool

import (
	"fmt"

	"github.com/a2y-d5l/procpool/poolerr"
)

func errUnexpectedStderr(line string) error {
	return poolerr.New(poolerr.FailedCommand, fmt.Sprintf("unexpected stderr line: %q", line))
}

func errFailedCommand(cmd *Command, line string, cause error) error {
	return poolerr.Wrap(poolerr.FailedCommand, fmt.Sprintf("command %q failed on line %q", cmd.Instruction, line), cause)
}
