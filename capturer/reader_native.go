package capturer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	gnet "github.com/shirou/gopsutil/v4/net"
)

// NativeReader reads the socket table through gopsutil instead of a tool.
type NativeReader struct {
	Kind          string
	ConnectionsFn func(ctx context.Context, kind string) ([]gnet.ConnectionStat, error)
}

func NewNativeReader() *NativeReader {
	return &NativeReader{
		Kind:          "all",
		ConnectionsFn: gnet.ConnectionsWithContext,
	}
}

func (n *NativeReader) Name() string { return "native" }

func (n *NativeReader) Read(ctx context.Context) ([]RawSocket, ReadStats, error) {
	if n.ConnectionsFn == nil {
		return nil, ReadStats{}, errors.New("native reader: ConnectionsFn is nil")
	}
	kind := n.Kind
	if kind == "" {
		kind = "all"
	}
	list, err := n.ConnectionsFn(ctx, kind)
	if err != nil {
		return nil, ReadStats{}, fmt.Errorf("net.Connections(%q): %w", kind, err)
	}

	var (
		rows  []RawSocket
		stats ReadStats
	)
	for _, cs := range list {
		proto := protoOf(cs)
		if proto == "" {
			continue
		}
		stats.Rows++
		if cs.Laddr.IP == "" {
			stats.Malformed++
			continue
		}
		row := RawSocket{
			Proto:      string(proto),
			LocalHost:  cs.Laddr.IP,
			LocalPort:  strconv.FormatUint(uint64(cs.Laddr.Port), 10),
			RemoteHost: NoPeerIP,
			RemotePort: NoPeerPort,
		}
		if cs.Raddr.IP != "" {
			row.RemoteHost = cs.Raddr.IP
			row.RemotePort = strconv.FormatUint(uint64(cs.Raddr.Port), 10)
		}
		rows = append(rows, row)
	}
	return rows, stats, nil
}

// protoOf maps the socket type: SOCK_STREAM(1) is TCP, SOCK_DGRAM(2) is UDP.
// Anything else (raw, unix) is not reported.
func protoOf(cs gnet.ConnectionStat) ConnProto {
	switch cs.Type {
	case 1:
		return ProtoTCP
	case 2:
		return ProtoUDP
	default:
		return ""
	}
}
