//go:build unix

// Package supervisor runs the worker processes of a coordinator. Each
// worker is the same binary started with the worker command; it inherits
// the shared public listener and both ends of its control channel.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creachadair/taskgroup"

	"handoff-go/internal/config"
	"handoff-go/internal/control"
	"handoff-go/internal/model"
)

// Descriptors a worker inherits, in ExtraFiles order.
const (
	fdListener = 3
	fdControl  = 4
	fdExchange = 5
)

// EnvWorkerID carries the worker id to the child.
const EnvWorkerID = "HANDOFFD_WORKER_ID"

// Registrar is the part of the coordinator the supervisor reports to.
type Registrar interface {
	AddWorker(id model.WorkerID, link *control.Link) error
	RemoveWorker(id model.WorkerID)
}

// CommandFunc builds the command that runs worker id. The supervisor sets
// its ExtraFiles.
type CommandFunc func(id model.WorkerID) (*exec.Cmd, error)

// Supervisor starts worker processes and reports their exits.
type Supervisor struct {
	reg     Registrar
	workers int
	command CommandFunc
	logger  *slog.Logger

	mu       sync.Mutex
	procs    map[model.WorkerID]*os.Process
	stopping bool
	tasks    *taskgroup.Group
}

// New creates a Supervisor that runs cfg.Coordinator.Workers copies of the
// current executable.
func New(reg Registrar, cfg *config.Config, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		reg:     reg,
		workers: cfg.Coordinator.Workers,
		command: SelfCommand(cfg),
		logger:  logger.With("component", "supervisor"),
		procs:   make(map[model.WorkerID]*os.Process),
		tasks:   taskgroup.New(nil),
	}
}

// SetCommand replaces how worker commands are built.
func (s *Supervisor) SetCommand(f CommandFunc) { s.command = f }

// SelfCommand runs the current executable with the worker command. The
// child loads the same config file and log level.
func SelfCommand(cfg *config.Config) CommandFunc {
	return func(id model.WorkerID) (*exec.Cmd, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		cmd := exec.Command(exe, "worker", "--id", id.String())
		cmd.Env = append(os.Environ(), "LOG_LEVEL="+cfg.Log.Level)
		if p := cfg.FilePath(); p != "" {
			cmd.Env = append(cmd.Env, "CONFIG_PATH="+p)
		}
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd, nil
	}
}

// Start runs every worker, sharing ln as their public listener. Workers
// that fail to start are reported and the rest keep running.
func (s *Supervisor) Start(ln net.Listener) error {
	fl, ok := ln.(interface{ File() (*os.File, error) })
	if !ok {
		return fmt.Errorf("supervisor: listener %T cannot be inherited", ln)
	}
	lnFile, err := fl.File()
	if err != nil {
		return fmt.Errorf("supervisor: listener file: %w", err)
	}
	defer lnFile.Close()

	var errs []error
	for i := 1; i <= s.workers; i++ {
		if err := s.spawn(model.WorkerID(i), lnFile); err != nil {
			s.logger.Error("worker did not start", "worker", i, "err", err)
			errs = append(errs, err)
		}
	}
	if len(errs) == s.workers && s.workers > 0 {
		return fmt.Errorf("supervisor: no worker started: %w", errors.Join(errs...))
	}
	return nil
}

func (s *Supervisor) spawn(id model.WorkerID, lnFile *os.File) error {
	localCtrl, remoteCtrl, err := control.StreamPair()
	if err != nil {
		return err
	}
	defer remoteCtrl.Close()
	localX, remoteX, err := control.SocketPair()
	if err != nil {
		localCtrl.Close()
		return err
	}
	defer remoteX.Close()

	link, err := control.LinkFromFiles(localCtrl, localX, s.logger)
	localCtrl.Close()
	localX.Close()
	if err != nil {
		return fmt.Errorf("worker %d: control link: %w", id, err)
	}
	// Handlers must be in place before the child can call in.
	if err := s.reg.AddWorker(id, link); err != nil {
		link.Stop()
		return fmt.Errorf("worker %d: %w", id, err)
	}

	cmd, err := s.command(id)
	if err == nil {
		cmd.ExtraFiles = []*os.File{lnFile, remoteCtrl, remoteX}
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}
		cmd.Env = append(cmd.Env, EnvWorkerID+"="+id.String())
		err = cmd.Start()
	}
	if err != nil {
		s.reg.RemoveWorker(id)
		return fmt.Errorf("worker %d: start: %w", id, err)
	}

	s.mu.Lock()
	s.procs[id] = cmd.Process
	s.mu.Unlock()
	s.logger.Info("worker started", "worker", id, "pid", cmd.Process.Pid)

	s.tasks.Go(func() error {
		err := cmd.Wait()
		s.mu.Lock()
		delete(s.procs, id)
		stopping := s.stopping
		s.mu.Unlock()

		s.reg.RemoveWorker(id)
		if stopping {
			s.logger.Info("worker stopped", "worker", id)
		} else {
			s.logger.Error("worker exited", "worker", id, "err", err)
		}
		return nil
	})
	return nil
}

// Running returns the number of live worker processes.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Stop asks every worker to terminate and waits for them to exit. Workers
// still running when ctx ends are killed.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	for id, p := range s.procs {
		if err := p.Signal(syscall.SIGTERM); err != nil {
			s.logger.Warn("signal worker", "worker", id, "err", err)
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, p := range s.procs {
		p.Kill()
	}
	s.mu.Unlock()
	<-done
	return ctx.Err()
}

// Inherited recovers, inside a worker process, the public listener and the
// control link its supervisor passed down.
func Inherited(logger *slog.Logger) (net.Listener, *control.Link, error) {
	lf := os.NewFile(fdListener, "public-listener")
	ln, err := net.FileListener(lf)
	lf.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("supervisor: inherited listener (is this worker started by a coordinator?): %w", err)
	}

	ctrl := os.NewFile(fdControl, "control")
	xch := os.NewFile(fdExchange, "exchange")
	link, err := control.LinkFromFiles(ctrl, xch, logger)
	ctrl.Close()
	xch.Close()
	if err != nil {
		ln.Close()
		return nil, nil, fmt.Errorf("supervisor: inherited control link: %w", err)
	}
	return ln, link, nil
}
