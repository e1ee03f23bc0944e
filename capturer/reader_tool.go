package capturer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Tool is one socket listing command and where its address columns are.
// Columns are zero-based field indexes.
type Tool struct {
	Name      string
	Args      []string
	LocalCol  int
	RemoteCol int
}

// Dialect describes a platform: candidate tools in preference order and the
// host/port delimiter of its address columns.
type Dialect struct {
	Name  string
	Tools []Tool
	Delim byte
}

var (
	LinuxDialect = Dialect{
		Name: "linux",
		Tools: []Tool{
			// Netid State Recv-Q Send-Q Local:Port Peer:Port
			{Name: "ss", Args: []string{"-tuna"}, LocalCol: 4, RemoteCol: 5},
			// Proto Recv-Q Send-Q Local Foreign State
			{Name: "netstat", Args: []string{"-tuna"}, LocalCol: 3, RemoteCol: 4},
		},
		Delim: ':',
	}
	WindowsDialect = Dialect{
		Name: "windows",
		Tools: []Tool{
			// Proto Local Foreign State
			{Name: "netstat", Args: []string{"-an"}, LocalCol: 1, RemoteCol: 2},
		},
		Delim: ':',
	}
	// BSD netstat prints host.port, so only the last dot separates the port.
	BSDDialect = Dialect{
		Name: "bsd",
		Tools: []Tool{
			// Proto Recv-Q Send-Q Local Foreign (state)
			{Name: "netstat", Args: []string{"-an"}, LocalCol: 3, RemoteCol: 4},
		},
		Delim: '.',
	}
)

const defaultToolTimeout = 5 * time.Second

// ToolReader runs a platform socket tool and parses its text output.
type ToolReader struct {
	Dialect Dialect
	Timeout time.Duration

	RunFn      func(ctx context.Context, name string, args ...string) ([]byte, error)
	LookPathFn func(file string) (string, error)
}

func NewToolReader(d Dialect) *ToolReader {
	return &ToolReader{
		Dialect:    d,
		Timeout:    defaultToolTimeout,
		RunFn:      runCommand,
		LookPathFn: exec.LookPath,
	}
}

func (r *ToolReader) Name() string { return r.Dialect.Name }

func (r *ToolReader) Read(ctx context.Context) ([]RawSocket, ReadStats, error) {
	if r.RunFn == nil {
		return nil, ReadStats{}, errors.New("tool reader: RunFn is nil")
	}
	tool, err := r.pickTool()
	if err != nil {
		return nil, ReadStats{}, err
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := r.RunFn(ctx, tool.Name, tool.Args...)
	if err != nil {
		return nil, ReadStats{}, fmt.Errorf("%s %s: %w", tool.Name, strings.Join(tool.Args, " "), err)
	}
	rows, stats := ParseTable(out, tool, r.Dialect.Delim)
	return rows, stats, nil
}

// pickTool returns the first tool present on PATH.
func (r *ToolReader) pickTool() (Tool, error) {
	if len(r.Dialect.Tools) == 0 {
		return Tool{}, fmt.Errorf("%s: no socket tool configured", r.Dialect.Name)
	}
	if r.LookPathFn == nil {
		return r.Dialect.Tools[0], nil
	}
	names := make([]string, 0, len(r.Dialect.Tools))
	for _, t := range r.Dialect.Tools {
		if _, err := r.LookPathFn(t.Name); err == nil {
			return t, nil
		}
		names = append(names, t.Name)
	}
	return Tool{}, fmt.Errorf("%s: no socket tool found (tried %s)", r.Dialect.Name, strings.Join(names, ", "))
}

// ParseTable extracts TCP/UDP rows from tool output. Lines whose first field
// is not a TCP/UDP protocol (headers, unix sockets) are ignored; protocol rows
// that cannot be split are counted as malformed and skipped.
func ParseTable(out []byte, tool Tool, delim byte) ([]RawSocket, ReadStats) {
	var (
		rows  []RawSocket
		stats ReadStats
	)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if _, ok := ParseProto(fields[0]); !ok {
			continue
		}
		stats.Rows++

		if len(fields) <= tool.LocalCol {
			stats.Malformed++
			continue
		}
		lhost, lport, ok := SplitAddr(fields[tool.LocalCol], delim)
		if !ok {
			stats.Malformed++
			continue
		}

		rhost, rport := NoPeerIP, NoPeerPort
		if len(fields) > tool.RemoteCol {
			if h, p, ok := SplitAddr(fields[tool.RemoteCol], delim); ok {
				rhost, rport = h, p
			}
		}

		rows = append(rows, RawSocket{
			Proto:      strings.Split(fields[0], "/")[0],
			LocalHost:  lhost,
			LocalPort:  lport,
			RemoteHost: rhost,
			RemotePort: rport,
		})
	}
	return rows, stats
}

// SplitAddr splits addr at the last delim; hosts may contain the delimiter
// themselves (IPv6, dotted quads on BSD).
func SplitAddr(addr string, delim byte) (host, port string, ok bool) {
	i := strings.LastIndexByte(addr, delim)
	if i < 0 {
		return "", "", false
	}
	return addr[:i], addr[i+1:], true
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}
