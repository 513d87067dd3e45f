package extract

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Worker protocol: one JSON request per line on the child's stdin, one JSON
// response per line on its stdout, strictly in order.

type workRequest struct {
	ID   uint64 `json:"id"`
	Path string `json:"path"`
}

type workResponse struct {
	ID     uint64 `json:"id"`
	Result Result `json:"result"`
}

// Serve answers extraction requests from in on out until in is closed or ctx
// is cancelled. It is the body of the worker subcommand.
func Serve(ctx context.Context, in io.Reader, out io.Writer, ex Extractor) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var req workRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return fmt.Errorf("decode request: %w", err)
		}
		res := Call(ctx, ex, req.Path)
		if err := enc.Encode(workResponse{ID: req.ID, Result: res}); err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	return nil
}

// ProcessConfig describes how to launch a worker process.
type ProcessConfig struct {
	Command []string // argv; the worker must speak the line protocol on stdin/stdout
	Env     []string // extra environment, appended to the parent's
	Logger  *slog.Logger
}

// ProcessExtractor forwards Extract calls to a child process. Calls are
// serialised; use one per worker. A crashed child is restarted on the next call.
type ProcessExtractor struct {
	cfg    ProcessConfig
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	nextID uint64
	closed bool
}

var _ Extractor = (*ProcessExtractor)(nil)

// StartProcess launches the worker.
func StartProcess(cfg ProcessConfig) (*ProcessExtractor, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("worker command is empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &ProcessExtractor{cfg: cfg, logger: logger}
	if err := p.start(); err != nil {
		return nil, err
	}
	return p, nil
}

// start spawns the child. Caller must hold mu (or own p exclusively).
func (p *ProcessExtractor) start() error {
	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = bufio.NewReader(stdout)
	p.logger.Debug("worker process started", "pid", cmd.Process.Pid)
	return nil
}

// kill terminates the child and forgets it. Caller must hold mu.
func (p *ProcessExtractor) kill() {
	if p.cmd == nil {
		return
	}
	_ = p.stdin.Close()
	_ = p.cmd.Process.Kill()
	_ = p.cmd.Wait()
	p.cmd = nil
}

func (p *ProcessExtractor) Extract(ctx context.Context, path string) Result {
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Failed(start, "worker closed")
	}
	if p.cmd == nil {
		if err := p.start(); err != nil {
			return Failed(start, "restart worker: %v", err)
		}
	}

	p.nextID++
	id := p.nextID
	line, err := json.Marshal(workRequest{ID: id, Path: path})
	if err != nil {
		return Failed(start, "encode request: %v", err)
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		p.logger.Warn("worker process unwritable", "error", err)
		p.kill()
		return Failed(start, "worker process: %v", err)
	}

	type reply struct {
		resp workResponse
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		raw, err := p.stdout.ReadBytes('\n')
		if err != nil {
			done <- reply{err: err}
			return
		}
		var resp workResponse
		done <- reply{resp: resp, err: json.Unmarshal(raw, &resp)}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			p.logger.Warn("worker process exited", "path", path, "error", r.err)
			p.kill()
			return Failed(start, "worker process exited: %v", r.err)
		}
		if r.resp.ID != id {
			p.kill()
			return Failed(start, "worker protocol: response %d for request %d", r.resp.ID, id)
		}
		return r.resp.Result
	case <-ctx.Done():
		p.kill()
		<-done
		return Failed(start, "worker cancelled: %v", ctx.Err())
	}
}

// Close stops the worker, waiting briefly for it to exit on its own.
func (p *ProcessExtractor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.cmd == nil {
		return nil
	}
	_ = p.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- p.cmd.Wait() }()
	select {
	case err := <-exited:
		p.cmd = nil
		return err
	case <-time.After(5 * time.Second):
		_ = p.cmd.Process.Kill()
		<-exited
		p.cmd = nil
		return errors.New("worker did not exit, killed")
	}
}

// ProcessFactory launches one worker process per dispatcher worker.
func ProcessFactory(name string, cfg ProcessConfig) Factory {
	return Factory{
		Name:       name,
		SharedSafe: false,
		New: func() (Extractor, error) {
			return StartProcess(cfg)
		},
	}
}
