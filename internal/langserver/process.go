package langserver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Process is one running process as seen by an enumerator.
type Process struct {
	PID     int
	Cmdline string
}

// ProcessEnumerator lists running processes.
type ProcessEnumerator interface {
	Processes(ctx context.Context) ([]Process, error)
}

// CommandRunner runs an external tool and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

var csrfTokenPattern = regexp.MustCompile(`(?:^|\s)--?csrf_token(?:=|\s+)(\S+)`)

// ParseCSRFToken extracts the csrf token argument from a command line. Both
// "--csrf_token X" and "--csrf_token=X" forms are accepted.
func ParseCSRFToken(cmdline string) (string, bool) {
	m := csrfTokenPattern.FindStringSubmatch(cmdline)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// PSEnumerator lists processes with ps.
type PSEnumerator struct {
	Run CommandRunner
}

// Processes implements ProcessEnumerator.
func (e PSEnumerator) Processes(ctx context.Context) ([]Process, error) {
	run := e.Run
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, "ps", "-axww", "-o", "pid=,command=")
	if err != nil {
		return nil, fmt.Errorf("langserver: ps failed: %w", err)
	}
	return parsePSOutput(out), nil
}

func parsePSOutput(out []byte) []Process {
	var procs []Process
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pidField, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		pid, errAtoi := strconv.Atoi(pidField)
		if errAtoi != nil {
			continue
		}
		procs = append(procs, Process{PID: pid, Cmdline: strings.TrimSpace(rest)})
	}
	return procs
}

// ProcFSEnumerator lists processes by reading /proc/<pid>/cmdline.
type ProcFSEnumerator struct {
	Root string
}

// Processes implements ProcessEnumerator.
func (e ProcFSEnumerator) Processes(ctx context.Context) ([]Process, error) {
	root := e.Root
	if root == "" {
		root = "/proc"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("langserver: read %s failed: %w", root, err)
	}
	var procs []Process
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		pid, errAtoi := strconv.Atoi(entry.Name())
		if errAtoi != nil || !entry.IsDir() {
			continue
		}
		raw, errRead := os.ReadFile(filepath.Join(root, entry.Name(), "cmdline"))
		if errRead != nil || len(raw) == 0 {
			continue
		}
		cmdline := strings.TrimSpace(strings.ReplaceAll(string(raw), "\x00", " "))
		procs = append(procs, Process{PID: pid, Cmdline: cmdline})
	}
	return procs, nil
}
