package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/config"
)

func TestFetchCandidates_RawSources(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/http.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "1.1.1.1:8080\n2.2.2.2:3128\nnot a proxy line\n")
	})
	mux.HandleFunc("/socks5.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "3.3.3.3:1080\n")
	})
	mux.HandleFunc("/broken.txt", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := config.ProxyConfig{
		Sources: []string{
			server.URL + "/http.txt",
			server.URL + "/socks5.txt",
			server.URL + "/broken.txt",
		},
		FetchTimeout: 5 * time.Second,
	}
	sources := NewSources(cfg, zaptest.NewLogger(t))

	endpoints, err := sources.FetchCandidates(context.Background())
	require.NoError(t, err, "One broken source must not fail the whole fetch")
	require.Len(t, endpoints, 3)

	protocols := make(map[string]schemas.ProxyProtocol)
	for _, endpoint := range endpoints {
		protocols[endpoint.Addr()] = endpoint.Protocol
	}
	assert.Equal(t, schemas.ProxyHTTP, protocols["1.1.1.1:8080"])
	assert.Equal(t, schemas.ProxyHTTP, protocols["2.2.2.2:3128"])
	assert.Equal(t, schemas.ProxySOCKS5, protocols["3.3.3.3:1080"],
		"The protocol follows the source list name")
}

func TestFetchCandidates_DeduplicatesAcrossSources(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "1.1.1.1:8080\n2.2.2.2:3128\n")
	})
	mux.HandleFunc("/b.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "2.2.2.2:3128\n4.4.4.4:80\n")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := config.ProxyConfig{
		Sources:      []string{server.URL + "/a.txt", server.URL + "/b.txt"},
		FetchTimeout: 5 * time.Second,
	}
	sources := NewSources(cfg, zaptest.NewLogger(t))

	endpoints, err := sources.FetchCandidates(context.Background())
	require.NoError(t, err)
	assert.Len(t, endpoints, 3)
}

func TestFetchCandidates_AllSourcesFailing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := config.ProxyConfig{
		Sources:      []string{server.URL + "/http.txt"},
		FetchTimeout: 2 * time.Second,
	}
	sources := NewSources(cfg, zaptest.NewLogger(t))

	_, err := sources.FetchCandidates(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no proxy candidates")
}

func TestFetchCandidates_CanceledContext(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	cfg := config.ProxyConfig{
		Sources:      []string{server.URL + "/http.txt"},
		FetchTimeout: 5 * time.Second,
	}
	sources := NewSources(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sources.FetchCandidates(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetchCandidates_GitHubContentsSource(t *testing.T) {
	var (
		mu         sync.Mutex
		authHeader string
	)

	mux := http.NewServeMux()
	// DownloadContents lists the parent directory first, then follows the
	// entry's download_url with a plain GET.
	mux.HandleFunc("/api-v3/repos/TheSpeedX/PROXY-List/contents/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		authHeader = r.Header.Get("Authorization")
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[
			{"type":"file","name":"http.txt","download_url":"http://%[1]s/raw/http.txt"},
			{"type":"file","name":"socks5.txt","download_url":"http://%[1]s/raw/socks5.txt"}
		]`, r.Host)
	})
	mux.HandleFunc("/raw/socks5.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "9.9.9.9:1080\n!!garbage!!\n")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := config.ProxyConfig{
		GitHub: config.GitHubSourceConfig{
			Enabled: true,
			Owner:   "TheSpeedX",
			Repo:    "PROXY-List",
			Paths:   []string{"socks5.txt"},
			Token:   "ghp_testtoken",
		},
		FetchTimeout: 5 * time.Second,
	}
	sources := NewSources(cfg, zaptest.NewLogger(t))

	baseURL, err := url.Parse(server.URL + "/api-v3/")
	require.NoError(t, err)
	sources.github.BaseURL = baseURL

	endpoints, err := sources.FetchCandidates(context.Background())
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "9.9.9.9:1080", endpoints[0].Addr())
	assert.Equal(t, schemas.ProxySOCKS5, endpoints[0].Protocol)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer ghp_testtoken", authHeader, "The configured token must reach the API")
}
