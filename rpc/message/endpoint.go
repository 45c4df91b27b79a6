package message

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint names a peer in a plan. Host and ports are optional; plans sent by
// the server carry names only, static fallback plans carry full addresses.
type Endpoint struct {
	Name    string
	Host    string
	TCPPort int
	UDPPort int
}

// HasAddress reports whether the endpoint can be dialed without a directory lookup.
func (e Endpoint) HasAddress() bool {
	return e.Host != "" && e.TCPPort > 0
}

func (e Endpoint) TCPAddr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.TCPPort))
}

// String renders "name" or "name@host:tcp:udp".
func (e Endpoint) String() string {
	if !e.HasAddress() {
		return e.Name
	}

	return fmt.Sprintf("%s@%s:%d:%d", e.Name, e.Host, e.TCPPort, e.UDPPort)
}

func FormatEndpoints(endpoints []Endpoint, sep string) string {
	parts := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		parts = append(parts, e.String())
	}

	return "[" + strings.Join(parts, sep) + "]"
}

// ParseEndpoints reads a bracketed list separated by ';' or ','.
func ParseEndpoints(raw string) ([]Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "[") || !strings.HasSuffix(raw, "]") {
		return nil, fmt.Errorf("%w: peer list %q", ErrMalformed, raw)
	}

	inner := raw[1 : len(raw)-1]
	endpoints := []Endpoint{}
	for _, item := range strings.FieldsFunc(inner, func(r rune) bool { return r == ';' || r == ',' }) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		e, err := ParseEndpoint(item)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, e)
	}

	return endpoints, nil
}

// ParseEndpoint reads "name" or "name@host:tcp[:udp]".
func ParseEndpoint(s string) (Endpoint, error) {
	name, addr, found := strings.Cut(s, "@")
	if name == "" {
		return Endpoint{}, fmt.Errorf("%w: peer entry %q", ErrMalformed, s)
	}
	if !found {
		return Endpoint{Name: name}, nil
	}

	fields := strings.Split(addr, ":")
	if len(fields) < 2 || fields[0] == "" {
		return Endpoint{}, fmt.Errorf("%w: peer address %q", ErrMalformed, s)
	}

	e := Endpoint{Name: name, Host: fields[0]}
	tcp, err := strconv.Atoi(fields[1])
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: peer tcp port %q", ErrMalformed, s)
	}
	e.TCPPort = tcp

	if len(fields) >= 3 {
		udp, err := strconv.Atoi(fields[2])
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: peer udp port %q", ErrMalformed, s)
		}
		e.UDPPort = udp
	}

	return e, nil
}
