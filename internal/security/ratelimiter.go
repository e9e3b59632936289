package security

import (
	"net"
	"net/http"
	"strings"
	"sync"
)

// ConnectionLimiter caps concurrent connections per client IP.
type ConnectionLimiter struct {
	mu          sync.Mutex
	connections map[string]int
	maxConn     int
}

func NewConnectionLimiter(maxConn int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxConn:     maxConn,
	}
}

func (cl *ConnectionLimiter) TryConnect(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] >= cl.maxConn {
		return false
	}
	cl.connections[ip]++
	return true
}

func (cl *ConnectionLimiter) Disconnect(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] > 0 {
		cl.connections[ip]--
		if cl.connections[ip] == 0 {
			delete(cl.connections, ip)
		}
	}
}

func (cl *ConnectionLimiter) Active(ip string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.connections[ip]
}

const EnvTrustedProxies = "CARDBOARDHRV_TRUSTED_PROXIES"

var DefaultTrustedProxies = []string{"127.0.0.0/8", "::1/128", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

// ProxyPolicy decides whether forwarding headers can be trusted.
type ProxyPolicy struct {
	networks []*net.IPNet
}

// NewProxyPolicy parses cidrs; invalid entries are skipped.
func NewProxyPolicy(cidrs []string) *ProxyPolicy {
	p := &ProxyPolicy{}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err == nil {
			p.networks = append(p.networks, network)
		}
	}
	return p
}

// ParseProxyList splits a comma separated CIDR list, falling back to the
// defaults when it is empty.
func ParseProxyList(list string) []string {
	if strings.TrimSpace(list) == "" {
		return DefaultTrustedProxies
	}
	return strings.Split(list, ",")
}

func (p *ProxyPolicy) trusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range p.networks {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIP extracts the client IP, only trusting proxy headers when the
// direct peer is a trusted proxy.
func (p *ProxyPolicy) ClientIP(r *http.Request) string {
	directIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if directIP == "" {
		directIP = r.RemoteAddr
	}

	if p.trusted(directIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			clientIP := strings.TrimSpace(strings.Split(xff, ",")[0])
			if net.ParseIP(clientIP) != nil {
				return clientIP
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-Ip")); xri != "" {
			if net.ParseIP(xri) != nil {
				return xri
			}
		}
	}

	return directIP
}
