package ftp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePASVReply_PublicIP(t *testing.T) {
	host, port, err := parsePASVReply("227 Entering Passive Mode (203,0,113,5,19,136)", false, "10.0.0.1", false)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.5", host)
	require.Equal(t, 19*256+136, port)
}

func TestParsePASVReply_PrivateIPSubstitutedWithControlHost(t *testing.T) {
	host, port, err := parsePASVReply("227 Entering Passive Mode (192,168,1,50,4,1)", false, "203.0.113.9", false)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9", host)
	require.Equal(t, 4*256+1, port)
}

func TestParsePASVReply_PrivateIPKeptWhenProxied(t *testing.T) {
	host, _, err := parsePASVReply("227 Entering Passive Mode (192,168,1,50,4,1)", false, "203.0.113.9", true)
	require.NoError(t, err)
	require.Equal(t, "192.168.1.50", host)
}

func TestParsePASVReply_PASVEXAlwaysUsesControlHost(t *testing.T) {
	host, _, err := parsePASVReply("227 Entering Passive Mode (203,0,113,5,19,136)", true, "203.0.113.9", false)
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9", host)
}

func TestParsePASVReply_Malformed(t *testing.T) {
	_, _, err := parsePASVReply("227 nothing useful here", false, "203.0.113.9", false)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestParsePASVReply_OctetOutOfRange(t *testing.T) {
	_, _, err := parsePASVReply("227 (256,0,113,5,19,136)", false, "203.0.113.9", false)
	require.Error(t, err)
}

func TestParseEPSVReply(t *testing.T) {
	port, err := parseEPSVReply("229 Entering Extended Passive Mode (|||48829|)")
	require.NoError(t, err)
	require.Equal(t, 48829, port)
}

func TestParseEPSVReply_FallsBackToPASVShape(t *testing.T) {
	// Some servers answer EPSV with PASV-shaped text; parseEPSVReply must
	// still recover the port.
	port, err := parseEPSVReply("229 (203,0,113,5,19,136)")
	require.NoError(t, err)
	require.Equal(t, 19*256+136, port)
}

func TestParseEPSVReply_Malformed(t *testing.T) {
	_, err := parseEPSVReply("229 nope")
	require.Error(t, err)
}

func TestFormatPORT(t *testing.T) {
	s, err := formatPORT("192.168.1.5", 4*256+1)
	require.NoError(t, err)
	require.Equal(t, "192,168,1,5,4,1", s)
}

func TestFormatPORT_RejectsIPv6(t *testing.T) {
	_, err := formatPORT("::1", 21)
	require.Error(t, err)
}

func TestFormatPORT_RejectsNonIP(t *testing.T) {
	_, err := formatPORT("not-an-ip", 21)
	require.Error(t, err)
}

func TestFormatEPRT_IPv4(t *testing.T) {
	s, err := formatEPRT("192.168.1.5", 21)
	require.NoError(t, err)
	require.Equal(t, "|1|192.168.1.5|21|", s)
}

func TestFormatEPRT_IPv6(t *testing.T) {
	s, err := formatEPRT("::1", 21)
	require.NoError(t, err)
	require.Equal(t, "|2|::1|21|", s)
}

func TestIsPrivateOrUnroutable(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"172.16.0.5", true},
		{"192.168.0.9", true},
		{"127.0.0.1", true},
		{"0.0.0.0", true},
		{"203.0.113.5", false},
		{"8.8.8.8", false},
	}
	for _, tt := range tests {
		got := isPrivateOrUnroutable(net.ParseIP(tt.ip))
		require.Equal(t, tt.want, got, "ip %s", tt.ip)
	}
}

func TestIsIPv6Addr(t *testing.T) {
	require.True(t, isIPv6Addr("::1"))
	require.True(t, isIPv6Addr("fe80::1"))
	require.False(t, isIPv6Addr("127.0.0.1"))
	require.False(t, isIPv6Addr("not-an-ip"))
}
