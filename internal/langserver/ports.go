package langserver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// PortLister lists the TCP ports a process listens on.
type PortLister interface {
	ListeningPorts(ctx context.Context, pid int) ([]int, error)
}

// SSLister uses "ss -tlnp".
type SSLister struct {
	Run CommandRunner
}

var ssLocalPortPattern = regexp.MustCompile(`:(\d+)\s`)

// ListeningPorts implements PortLister.
func (l SSLister) ListeningPorts(ctx context.Context, pid int) ([]int, error) {
	run := l.Run
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, "ss", "-tlnp")
	if err != nil {
		return nil, fmt.Errorf("langserver: ss failed: %w", err)
	}
	return parseSSOutput(out, pid), nil
}

func parseSSOutput(out []byte, pid int) []int {
	marker := fmt.Sprintf("pid=%d,", pid)
	var ports []int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, marker) {
			continue
		}
		if m := ssLocalPortPattern.FindStringSubmatch(line); m != nil {
			if port, errAtoi := strconv.Atoi(m[1]); errAtoi == nil {
				ports = appendUnique(ports, port)
			}
		}
	}
	return ports
}

// LsofLister uses lsof, for systems without ss.
type LsofLister struct {
	Run CommandRunner
}

var lsofPortPattern = regexp.MustCompile(`:(\d+) \(LISTEN\)`)

// ListeningPorts implements PortLister.
func (l LsofLister) ListeningPorts(ctx context.Context, pid int) ([]int, error) {
	run := l.Run
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, "lsof", "-nP", "-iTCP", "-sTCP:LISTEN", "-a", "-p", strconv.Itoa(pid))
	if err != nil {
		// lsof exits 1 when nothing matches.
		if len(out) == 0 {
			return nil, nil
		}
	}
	var ports []int
	for _, m := range lsofPortPattern.FindAllStringSubmatch(string(out), -1) {
		if port, errAtoi := strconv.Atoi(m[1]); errAtoi == nil {
			ports = appendUnique(ports, port)
		}
	}
	return ports, nil
}

// ProcNetLister matches the socket inodes held by a process against
// /proc/net/tcp and /proc/net/tcp6.
type ProcNetLister struct {
	Root string
}

const tcpListenState = "0A"

// ListeningPorts implements PortLister.
func (l ProcNetLister) ListeningPorts(ctx context.Context, pid int) ([]int, error) {
	root := l.Root
	if root == "" {
		root = "/proc"
	}
	inodes, err := socketInodes(filepath.Join(root, strconv.Itoa(pid), "fd"))
	if err != nil {
		return nil, err
	}
	if len(inodes) == 0 {
		return nil, nil
	}
	var ports []int
	for _, table := range []string{"tcp", "tcp6"} {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		raw, errRead := os.ReadFile(filepath.Join(root, "net", table))
		if errRead != nil {
			continue
		}
		for _, port := range parseProcNetTCP(raw, inodes) {
			ports = appendUnique(ports, port)
		}
	}
	return ports, nil
}

func socketInodes(fdDir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return nil, fmt.Errorf("langserver: read %s failed: %w", fdDir, err)
	}
	inodes := make(map[string]struct{})
	for _, entry := range entries {
		target, errLink := os.Readlink(filepath.Join(fdDir, entry.Name()))
		if errLink != nil {
			continue
		}
		if strings.HasPrefix(target, "socket:[") && strings.HasSuffix(target, "]") {
			inodes[target[len("socket:["):len(target)-1]] = struct{}{}
		}
	}
	return inodes, nil
}

func parseProcNetTCP(raw []byte, inodes map[string]struct{}) []int {
	var ports []int
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 || fields[3] != tcpListenState {
			continue
		}
		if _, ok := inodes[fields[9]]; !ok {
			continue
		}
		_, portHex, ok := strings.Cut(fields[1], ":")
		if !ok {
			continue
		}
		port, errParse := strconv.ParseInt(portHex, 16, 32)
		if errParse != nil {
			continue
		}
		ports = append(ports, int(port))
	}
	return ports
}

func appendUnique(ports []int, port int) []int {
	for _, p := range ports {
		if p == port {
			return ports
		}
	}
	return append(ports, port)
}
