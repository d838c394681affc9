// Package proxy supplies the optional egress layer for browser traffic:
// fetching candidate endpoint lists, rotating through them, and running a
// local relay that chains the browser to whichever upstream is current.
package proxy

import (
	"net"
	"strconv"
	"strings"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
)

// ParseList converts proxy-list text, one endpoint per line, into typed
// endpoints. A line may carry an explicit scheme prefix; bare host:port
// lines take defaultProto. Malformed lines and unsupported schemes are
// dropped silently because public lists are never fully clean.
func ParseList(text string, defaultProto schemas.ProxyProtocol) []*schemas.ProxyEndpoint {
	var endpoints []*schemas.ProxyEndpoint
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if endpoint := parseLine(line, defaultProto); endpoint != nil {
			endpoints = append(endpoints, endpoint)
		}
	}
	return endpoints
}

func parseLine(line string, defaultProto schemas.ProxyProtocol) *schemas.ProxyEndpoint {
	proto := defaultProto
	if scheme, rest, found := strings.Cut(line, "://"); found {
		switch strings.ToLower(scheme) {
		case "http", "https":
			proto = schemas.ProxyHTTP
		case "socks5", "socks5h":
			proto = schemas.ProxySOCKS5
		default:
			// socks4 and anything more exotic is not worth a browser run.
			return nil
		}
		line = rest
	}

	host, portText, err := net.SplitHostPort(line)
	if err != nil || host == "" {
		return nil
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 1 || port > 65535 {
		return nil
	}

	return &schemas.ProxyEndpoint{
		Host:     host,
		Port:     port,
		Protocol: proto,
		Status:   schemas.ProxyUntested,
	}
}

// protocolForSource infers which protocol a list serves from its name.
// The TheSpeedX lists follow the "<protocol>.txt" convention.
func protocolForSource(source string) schemas.ProxyProtocol {
	if strings.Contains(strings.ToLower(source), "socks5") {
		return schemas.ProxySOCKS5
	}
	return schemas.ProxyHTTP
}
