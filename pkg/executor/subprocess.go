package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/pkg/errors"

	"github.com/beflow/beflow/pkg/models"
)

// Subprocess runs an external engine command for every task. The input
// document is written to stdin as JSON and the result document is read from
// stdout. A non-zero exit whose stdout parses as an Error is a reported
// failure; everything else is transient.
type Subprocess struct {
	// Command and fixed leading arguments, e.g. ["bespoke-qc-engine"].
	Command []string

	// ScratchRoot is where per-task working directories are created.
	ScratchRoot string

	// KeepFiles leaves working directories behind for debugging.
	KeepFiles bool
}

func (s *Subprocess) Execute(ctx context.Context, in Input) (json.RawMessage, error) {
	if len(s.Command) == 0 {
		return nil, errors.New("no executor command configured")
	}

	workDir, err := os.MkdirTemp(s.ScratchRoot, "task-"+in.TaskID+"-")
	if err != nil {
		return nil, errors.Wrap(err, "create working directory")
	}
	if !s.KeepFiles && !in.KeepFiles {
		defer os.RemoveAll(workDir)
	}
	in.WorkDir = workDir

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	cmd.Dir = workDir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"BEFLOW_N_CORES="+strconv.Itoa(in.Cores),
		"BEFLOW_MAX_MEM="+strconv.FormatFloat(in.MemoryPerCoreGB, 'f', -1, 64),
	)
	// Own process group, so cancellation can take down engine children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start executor")
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		// Terminate the whole process group and collect the child.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-waitErr
		return nil, ctx.Err()
	case err := <-waitErr:
		if err == nil {
			result := json.RawMessage(bytes.TrimSpace(stdout.Bytes()))
			if len(result) == 0 {
				return nil, errors.New("executor produced no output")
			}
			return result, nil
		}
		if reported := parseReportedError(stdout.Bytes()); reported != nil {
			return nil, reported
		}
		return nil, errors.Wrapf(err, "executor crashed: %s", firstLine(stderr.Bytes()))
	}
}

func parseReportedError(out []byte) *Error {
	var reported Error
	if err := json.Unmarshal(bytes.TrimSpace(out), &reported); err != nil {
		return nil
	}
	if reported.Message == "" {
		return nil
	}
	if reported.Code == "" {
		reported.Code = models.ExecutorError
	}
	return &reported
}

func firstLine(out []byte) string {
	line, _, _ := bytes.Cut(bytes.TrimSpace(out), []byte("\n"))
	return string(line)
}

// NewSubprocessRegistry builds a registry running one external command per
// routing key. Missing commands are left out so the supervisor can refuse to
// start the corresponding pool.
func NewSubprocessRegistry(commands map[string][]string, scratchRoot string, keepFiles bool) Registry {
	registry := make(Registry, len(commands))
	for routingKey, command := range commands {
		if len(command) == 0 {
			continue
		}
		registry[routingKey] = &Subprocess{
			Command:     command,
			ScratchRoot: scratchRoot,
			KeepFiles:   keepFiles,
		}
	}
	return registry
}
