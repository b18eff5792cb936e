package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Pipe hands the luma plane to an external accelerator process, such as an
// FPGA host tool, over stdin and reads the same number of bytes back from
// stdout. The process serves one frame at a time.
type Pipe struct {
	Command []string

	l      sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	err    error
}

// NewPipe starts the accelerator process.
func NewPipe(command []string) (*Pipe, error) {
	if len(command) == 0 {
		return nil, errors.New("accelerator command is empty")
	}
	c := exec.Command(command[0], command[1:]...)
	c.Stderr = os.Stderr

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("error getting accelerator stdin: %w", err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("error getting accelerator stdout: %w", err)
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("error starting accelerator %q: %w", command[0], err)
	}
	log.Infof("Started accelerator process %v (pid %d)", command, c.Process.Pid)

	return &Pipe{
		Command: command,
		cmd:     c,
		stdin:   stdin,
		stdout:  bufio.NewReaderSize(stdout, 1<<20),
	}, nil
}

func (p *Pipe) ApplyLuma(dst, src []byte, _ Meta) error {
	p.l.Lock()
	defer p.l.Unlock()

	if p.err != nil {
		return p.err
	}
	if _, err := p.stdin.Write(src); err != nil {
		p.err = fmt.Errorf("accelerator write: %w", err)
		return p.err
	}
	if _, err := io.ReadFull(p.stdout, dst); err != nil {
		// The stream is out of step now; every later frame would be garbage.
		p.err = fmt.Errorf("accelerator read: %w", err)
		return p.err
	}
	return nil
}

func (p *Pipe) MaxConcurrency() int {
	return 1
}

func (p *Pipe) Close() error {
	p.l.Lock()
	defer p.l.Unlock()

	if p.cmd == nil {
		return nil
	}
	p.stdin.Close()
	err := p.cmd.Wait()
	log.Infof("Accelerator process exit with status %v", err)
	p.cmd = nil
	if p.err == nil {
		p.err = ErrSessionClosed
	}
	return err
}
