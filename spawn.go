package taskmaster

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/grishkovelli/taskmaster/pkg/wire"
)

// spawnChild starts cfg.Executable with bootstrap as its single argument,
// wires its stdin/stdout to a fresh PipeSocket pair, and hands back the
// parent end. The child process itself — what it does with that
// handshake, how it hosts a task — is an external collaborator this
// module treats as a black box.
func spawnChild(cfg *Config, bootstrap string) (*WorkerInstance, *exec.Cmd, error) {
	cmd := exec.Command(cfg.Executable, bootstrap)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("obtaining child stdin: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("obtaining child stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	stdin, ok := stdinPipe.(*os.File)
	if !ok {
		return nil, nil, fmt.Errorf("child stdin pipe is not backed by an *os.File")
	}
	stdout, ok := stdoutPipe.(*os.File)
	if !ok {
		return nil, nil, fmt.Errorf("child stdout pipe is not backed by an *os.File")
	}

	if err := wire.SetNonblock(stdout); err != nil {
		return nil, nil, fmt.Errorf("setting child stdout non-blocking: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting child process: %w", err)
	}

	socket := wire.NewDuplexPipeSocket(stdout, stdin)
	inst := NewWorkerInstance(socket)
	watchChildExit(inst, cmd)
	return inst, cmd, nil
}

// watchChildExit runs cmd.Wait in the background and reports the instance
// as failed the moment the process exits, instead of waiting for the next
// failed socket read to notice — the prompt-exit-detection behavior
// SPEC_FULL §4.5 adopts.
func watchChildExit(inst *WorkerInstance, cmd *exec.Cmd) {
	go func() {
		err := cmd.Wait()
		if err != nil {
			inst.handleFail(fmt.Errorf("child process exited: %w", err))
		} else {
			inst.handleFail(fmt.Errorf("child process exited"))
		}
	}()
}
