package qlean

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"
)

func TestSpawnProcessMissingBinary(t *testing.T) {
	if _, err := exec.LookPath(qemuBinary); err == nil {
		t.Skip("qemu-system-x86_64 is available; this test only covers the missing-binary path")
	}

	_, err := spawnProcess(context.Background(), []string{"-version"})
	if err == nil {
		t.Fatal("expected error when qemu binary is missing, got nil")
	}
	var setupErr *SetupError
	if !errors.As(err, &setupErr) {
		t.Errorf("expected *SetupError, got %T: %v", err, err)
	}
}

func TestProcessShutdownOnAlreadyExited(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("'true' binary not available")
	}

	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	p := &process{cmd: cmd, exited: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	<-p.exited
	if p.alive() {
		t.Fatal("expected process to report not alive after exit")
	}
	if err := p.shutdown(context.Background(), time.Second); err != nil {
		t.Errorf("shutdown on already-exited process: %v", err)
	}
}

func TestDrainProcessesReapsTrackedChild(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("'sleep' binary not available")
	}

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	p := &process{cmd: cmd, exited: make(chan struct{})}
	trackProcess(p)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
		untrackProcess(p)
	}()

	if err := DrainProcesses(context.Background()); err != nil {
		t.Fatalf("DrainProcesses: %v", err)
	}
	if p.alive() {
		t.Error("expected tracked child to be dead after drain")
	}

	procTable.mu.Lock()
	remaining := len(procTable.procs)
	procTable.mu.Unlock()
	if remaining != 0 {
		t.Errorf("process table still holds %d entries after drain", remaining)
	}
}
