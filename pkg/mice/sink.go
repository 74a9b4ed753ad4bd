package mice

import (
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
)

// DefaultPort is the MICE RTSP port, used when the record has none.
const DefaultPort = 7250

// Sink is a Miracast receiver reachable over the infrastructure network.
type Sink struct {
	id       string
	Instance string
	HostName string
	IP       net.IP
	Port     int
	Metadata map[string]string
}

func (s *Sink) ID() string { return s.id }

func (s *Sink) DisplayName() string { return s.Instance }

// Matches returns the host name, without the trailing dot.
func (s *Sink) Matches() []string {
	h := strings.ToLower(strings.TrimSuffix(s.HostName, "."))
	if h == "" {
		return nil
	}
	return []string{h}
}

// Addr returns the host:port of the RTSP endpoint.
func (s *Sink) Addr() string {
	return net.JoinHostPort(s.IP.String(), strconv.Itoa(s.Port))
}

// parseServiceEntry converts a zeroconf service entry to a Sink.
// Returns nil if the entry has no instance name or address.
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Sink {
	if entry == nil || entry.Instance == "" {
		return nil
	}

	// Prefer IPv4, MICE receivers are often IPv4 only.
	var ip net.IP
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0]
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0]
	}
	if ip == nil {
		return nil
	}

	port := entry.Port
	if port == 0 {
		port = DefaultPort
	}

	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) == 2 {
			metadata[parts[0]] = parts[1]
		} else {
			metadata[parts[0]] = ""
		}
	}

	return &Sink{
		id:       uuid.NewString(),
		Instance: entry.Instance,
		HostName: entry.HostName,
		IP:       ip,
		Port:     port,
		Metadata: metadata,
	}
}
