package capturer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
)

var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Reader lists the current TCP/UDP socket table of the host.
type Reader interface {
	Name() string
	Read(ctx context.Context) ([]RawSocket, ReadStats, error)
}

// ReadStats counts rows seen in a tool's output. Malformed rows are skipped,
// never fatal.
type ReadStats struct {
	Rows      int
	Malformed int
}

// Socket sources accepted by NewReader.
const (
	SourceAuto   = "auto"
	SourceTool   = "tool"
	SourceNative = "native"
)

func ValidSource(s string) bool {
	switch s {
	case "", SourceAuto, SourceTool, SourceNative:
		return true
	}
	return false
}

// NewReader picks the reader for goos once; an empty goos means runtime.GOOS.
// "auto" and "tool" both shell out to the platform tool, "native" asks the
// kernel through gopsutil.
func NewReader(source, goos string) (Reader, error) {
	if goos == "" {
		goos = runtime.GOOS
	}
	switch source {
	case "", SourceAuto, SourceTool:
	case SourceNative:
		return NewNativeReader(), nil
	default:
		return nil, fmt.Errorf("unknown socket source %q", source)
	}

	switch goos {
	case "linux":
		return NewToolReader(LinuxDialect), nil
	case "windows":
		return NewToolReader(WindowsDialect), nil
	case "darwin", "freebsd", "openbsd", "netbsd", "dragonfly":
		return NewToolReader(BSDDialect), nil
	default:
		return UnsupportedReader{GOOS: goos}, nil
	}
}

// UnsupportedReader yields nothing on platforms without a known tool.
type UnsupportedReader struct {
	GOOS string
}

func (u UnsupportedReader) Name() string { return "unsupported(" + u.GOOS + ")" }

func (u UnsupportedReader) Read(context.Context) ([]RawSocket, ReadStats, error) {
	return nil, ReadStats{}, fmt.Errorf("%s: %w", u.GOOS, ErrUnsupportedPlatform)
}
