package ftp

import (
	"net"
	"regexp"
	"strconv"
)

// pasvRegex tolerates whitespace around the commas and optional
// surrounding parentheses; some servers format the PASV octet tuple
// loosely.
var pasvRegex = regexp.MustCompile(`\(?\s*(\d{1,3})\s*,\s*(\d{1,3})\s*,\s*(\d{1,3})\s*,\s*(\d{1,3})\s*,\s*(\d{1,3})\s*,\s*(\d{1,3})\s*\)?`)

// epsvRegex matches "(|||port|)" from a 229 reply.
var epsvRegex = regexp.MustCompile(`\(\s*\|\|\|\s*(\d+)\s*\|\s*\)`)

var privateBlocks = func() []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
		_, n, _ := net.ParseCIDR(cidr)
		nets = append(nets, n)
	}
	return nets
}()

// isPrivateOrUnroutable reports whether ip is one of the ranges a server
// behind NAT commonly reports instead of its real address: 10/8,
// 172.16/12, 192.168/16, 127.0.0.1, or 0.0.0.0.
func isPrivateOrUnroutable(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsUnspecified() || ip.Equal(net.ParseIP("127.0.0.1")) {
		return true
	}
	for _, n := range privateBlocks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// parsePASVReply extracts (host, port) from a PASV or PASVEX reply
// message. When pasvex is true the parsed IP is discarded in favor of
// controlHost unconditionally. Otherwise, if the parsed IP is private or
// unroutable and proxying is not in effect, controlHost is substituted,
// working around servers behind NAT that report their private address
// in the PASV reply.
func parsePASVReply(message string, pasvex bool, controlHost string, proxied bool) (string, int, error) {
	m := pasvRegex.FindStringSubmatch(message)
	if m == nil {
		return "", 0, &ParseError{Input: message, Reason: "no PASV address found"}
	}

	octets := make([]int, 6)
	for i := 0; i < 6; i++ {
		v, err := strconv.Atoi(m[i+1])
		if err != nil || v < 0 || v > 255 {
			return "", 0, &ParseError{Input: message, Reason: "octet out of range"}
		}
		octets[i] = v
	}
	port := octets[4]*256 + octets[5]
	ip := net.IPv4(byte(octets[0]), byte(octets[1]), byte(octets[2]), byte(octets[3]))

	host := ip.String()
	if pasvex {
		host = controlHost
	} else if isPrivateOrUnroutable(ip) && !proxied {
		host = controlHost
	}

	return host, port, nil
}

// parseEPSVReply extracts the port from a 229 reply. The host is always
// the control channel's remote address, never a hostname, so only the
// port is returned; on failure it retries with the PASV parser since
// some servers answer EPSV with PASV-shaped text.
func parseEPSVReply(message string) (int, error) {
	m := epsvRegex.FindStringSubmatch(message)
	if m == nil {
		if _, port, err := parsePASVReply(message, false, "", true); err == nil {
			return port, nil
		}
		return 0, &ParseError{Input: message, Reason: "no EPSV port found"}
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port < 1 || port > 65535 {
		return 0, &ParseError{Input: message, Reason: "port out of range"}
	}
	return port, nil
}

// formatPORT renders host:port as the six-octet decimal string PORT
// expects. host must be IPv4.
func formatPORT(host string, port int) (string, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return "", &ArgumentError{Arg: "host", Reason: "not an IP address"}
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return "", &ArgumentError{Arg: "host", Reason: "PORT requires an IPv4 address"}
	}
	p1, p2 := port/256, port%256
	return ipPortString(ip4, p1, p2), nil
}

func ipPortString(ip4 net.IP, p1, p2 int) string {
	b := make([]byte, 0, 32)
	for _, part := range []int{int(ip4[0]), int(ip4[1]), int(ip4[2]), int(ip4[3]), p1, p2} {
		if len(b) > 0 {
			b = append(b, ',')
		}
		b = append(b, []byte(strconv.Itoa(part))...)
	}
	return string(b)
}

// formatEPRT renders host:port as "|d|addr|port|" per RFC 2428, with
// d = 1 for IPv4 and d = 2 for IPv6.
func formatEPRT(host string, port int) (string, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return "", &ArgumentError{Arg: "host", Reason: "not an IP address"}
	}
	family := 2
	if ip.To4() != nil {
		family = 1
	}
	return "|" + strconv.Itoa(family) + "|" + host + "|" + strconv.Itoa(port) + "|", nil
}

// isIPv6Addr reports whether addr (a bare IP, no port) is an IPv6
// address, used by the Data Channel Factory's IPv6 upgrade policy.
func isIPv6Addr(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.To4() == nil
}
