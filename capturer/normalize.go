package capturer

import (
	"fmt"
	"strconv"
	"strings"
)

type ConnProto string

const (
	ProtoTCP ConnProto = "TCP"
	ProtoUDP ConnProto = "UDP"
)

// Sentinel peer for sockets without a remote endpoint (listeners, unconnected UDP).
const (
	NoPeerIP   = "0.0.0.0"
	NoPeerPort = "0"
)

// RawSocket is one socket table row split into host/port text.
type RawSocket struct {
	Proto      string
	LocalHost  string
	LocalPort  string
	RemoteHost string
	RemotePort string
}

// ConnRecord is the canonical form reported to the collector.
type ConnRecord struct {
	SourceIP   string    `json:"sourceIp"`
	SourcePort int       `json:"sourcePort"`
	DestIP     string    `json:"destIp"`
	DestPort   int       `json:"destPort"`
	Protocol   ConnProto `json:"protocol"`
}

// ConnKey identifies an observation for dedup.
type ConnKey struct {
	SourceIP   string
	SourcePort int
	DestIP     string
	DestPort   int
	Protocol   ConnProto
}

func (r ConnRecord) Key() ConnKey {
	return ConnKey(r)
}

func (r ConnRecord) String() string {
	return fmt.Sprintf("%s %s -> %s", r.Protocol, joinHostPort(r.SourceIP, r.SourcePort), joinHostPort(r.DestIP, r.DestPort))
}

func joinHostPort(host string, port int) string {
	if strings.Contains(host, ":") {
		return fmt.Sprintf("[%s]:%d", host, port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// ParseProto reduces a tool's protocol column (tcp6, TCP, udp4, ...) to TCP or UDP.
func ParseProto(s string) (ConnProto, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, "TCP"):
		return ProtoTCP, true
	case strings.HasPrefix(s, "UDP"):
		return ProtoUDP, true
	default:
		return "", false
	}
}

// Normalize converts a raw row. Rows that are neither TCP nor UDP are rejected;
// unparseable ports become 0.
func Normalize(raw RawSocket) (ConnRecord, bool) {
	proto, ok := ParseProto(raw.Proto)
	if !ok {
		return ConnRecord{}, false
	}
	destIP, destPort := raw.RemoteHost, raw.RemotePort
	if destIP == "" {
		destIP, destPort = NoPeerIP, NoPeerPort
	}
	return ConnRecord{
		SourceIP:   cleanHost(raw.LocalHost),
		SourcePort: parsePort(raw.LocalPort),
		DestIP:     cleanHost(destIP),
		DestPort:   parsePort(destPort),
		Protocol:   proto,
	}, true
}

func cleanHost(h string) string {
	h = strings.NewReplacer("[", "", "]", "").Replace(h)
	if h == "*" || h == "" {
		return NoPeerIP
	}
	return h
}

func parsePort(p string) int {
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return 0
	}
	return int(n)
}
