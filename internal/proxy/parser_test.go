package proxy

import (
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
)

func TestParseList(t *testing.T) {
	text := strings.Join([]string{
		"1.2.3.4:8080",
		"  5.6.7.8:3128  ",
		"http://9.9.9.9:80",
		"https://8.8.8.8:443",
		"socks5://7.7.7.7:1080",
		"socks4://6.6.6.6:1080",
		"# comment",
		"",
		"not-a-proxy",
		"1.2.3.4",
		"1.2.3.4:70000",
		"1.2.3.4:abc",
		"[2001:db8::1]:8080",
	}, "\n")

	// Only well-formed lines with supported schemes survive; whitespace is
	// trimmed and an https scheme still yields an HTTP CONNECT endpoint.
	want := []*schemas.ProxyEndpoint{
		{Host: "1.2.3.4", Port: 8080, Protocol: schemas.ProxyHTTP, Status: schemas.ProxyUntested},
		{Host: "5.6.7.8", Port: 3128, Protocol: schemas.ProxyHTTP, Status: schemas.ProxyUntested},
		{Host: "9.9.9.9", Port: 80, Protocol: schemas.ProxyHTTP, Status: schemas.ProxyUntested},
		{Host: "8.8.8.8", Port: 443, Protocol: schemas.ProxyHTTP, Status: schemas.ProxyUntested},
		{Host: "7.7.7.7", Port: 1080, Protocol: schemas.ProxySOCKS5, Status: schemas.ProxyUntested},
		{Host: "2001:db8::1", Port: 8080, Protocol: schemas.ProxyHTTP, Status: schemas.ProxyUntested},
	}

	endpoints := ParseList(text, schemas.ProxyHTTP)
	if diff := cmp.Diff(want, endpoints); diff != "" {
		t.Errorf("Parsed endpoints mismatch. Diff:\n%s", diff)
	}

	require.Len(t, endpoints, 6)
	assert.Equal(t, "[2001:db8::1]:8080", endpoints[5].Addr(), "IPv6 hosts round-trip through Addr")
}

func TestParseList_DefaultProtocol(t *testing.T) {
	endpoints := ParseList("1.2.3.4:1080", schemas.ProxySOCKS5)
	require.Len(t, endpoints, 1)
	assert.Equal(t, schemas.ProxySOCKS5, endpoints[0].Protocol)

	// An explicit scheme always wins over the list default.
	endpoints = ParseList("http://1.2.3.4:8080", schemas.ProxySOCKS5)
	require.Len(t, endpoints, 1)
	assert.Equal(t, schemas.ProxyHTTP, endpoints[0].Protocol)
}

func TestParseList_EmptyInput(t *testing.T) {
	assert.Empty(t, ParseList("", schemas.ProxyHTTP))
	assert.Empty(t, ParseList("\n\n# only comments\n", schemas.ProxyHTTP))
}

func TestProtocolForSource(t *testing.T) {
	assert.Equal(t, schemas.ProxySOCKS5,
		protocolForSource("https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/socks5.txt"))
	assert.Equal(t, schemas.ProxySOCKS5, protocolForSource("SOCKS5.txt"))
	assert.Equal(t, schemas.ProxyHTTP, protocolForSource("http.txt"))
	assert.Equal(t, schemas.ProxyHTTP, protocolForSource("https://example.test/list"))
}

// FuzzParseList hammers the parser with arbitrary list content. Whatever
// comes in, every endpoint that comes out must be usable as-is.
func FuzzParseList(f *testing.F) {
	f.Add([]byte("1.2.3.4:8080\nsocks5://5.6.7.8:1080\n# comment\nnot a proxy\n"))
	f.Add([]byte("http://[::1]:65535\r\nsocks4://1.1.1.1:1080"))
	f.Add([]byte("://:0\n:::::\n1.2.3.4:-1"))

	f.Fuzz(func(t *testing.T, data []byte) {
		fuzzConsumer := fuzz.NewConsumer(data)
		text, err := fuzzConsumer.GetString()
		if err != nil {
			return
		}

		for _, endpoint := range ParseList(text, schemas.ProxyHTTP) {
			if endpoint.Host == "" {
				t.Fatalf("parser produced an endpoint with an empty host from %q", text)
			}
			if endpoint.Port < 1 || endpoint.Port > 65535 {
				t.Fatalf("parser produced an out-of-range port %d from %q", endpoint.Port, text)
			}
			if endpoint.Protocol != schemas.ProxyHTTP && endpoint.Protocol != schemas.ProxySOCKS5 {
				t.Fatalf("parser produced an unknown protocol %q from %q", endpoint.Protocol, text)
			}
			if endpoint.Status != schemas.ProxyUntested {
				t.Fatalf("parser produced a pre-judged endpoint status %q", endpoint.Status)
			}
		}
	})
}
