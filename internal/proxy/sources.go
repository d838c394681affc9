package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/config"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/network"
)

// Public lists are small text files; anything bigger than this is not a
// proxy list.
const maxListBytes = 4 << 20

// Sources aggregates proxy candidates from raw list URLs and, when
// enabled, the GitHub contents API for the configured repository.
type Sources struct {
	cfg    config.ProxyConfig
	http   *network.Client
	github *github.Client
	logger *zap.Logger
}

// NewSources builds the fetcher. The GitHub client rides on the same HTTP
// client as the raw fetches and authenticates when a token is configured;
// anonymous access works but rate-limits much harder.
func NewSources(cfg config.ProxyConfig, logger *zap.Logger) *Sources {
	httpClient := network.NewClient(nil)

	gh := github.NewClient(httpClient.Client)
	if cfg.GitHub.Token != "" {
		gh = gh.WithAuthToken(cfg.GitHub.Token)
	}

	return &Sources{
		cfg:    cfg,
		http:   httpClient,
		github: gh,
		logger: logger.Named("proxy_sources"),
	}
}

// FetchCandidates pulls every configured source concurrently and returns
// the deduplicated endpoint list. Slow or broken sources are skipped;
// fetching only fails outright when the caller's context ends or nothing
// at all could be retrieved.
func (s *Sources) FetchCandidates(ctx context.Context) ([]*schemas.ProxyEndpoint, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	var (
		mu        sync.Mutex
		collected []*schemas.ProxyEndpoint
	)

	g, groupCtx := errgroup.WithContext(fetchCtx)
	fetch := func(name string, get func(context.Context) ([]*schemas.ProxyEndpoint, error)) {
		g.Go(func() error {
			batch, err := get(groupCtx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("Proxy source fetch failed",
					zap.String("source", name),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			collected = append(collected, batch...)
			mu.Unlock()
			return nil
		})
	}

	for _, source := range s.cfg.Sources {
		source := source // per-iteration copy; fetch closures run after the loop advances
		fetch(source, func(c context.Context) ([]*schemas.ProxyEndpoint, error) {
			return s.fetchRaw(c, source)
		})
	}
	if s.cfg.GitHub.Enabled {
		for _, path := range s.cfg.GitHub.Paths {
			path := path
			fetch("github:"+path, func(c context.Context) ([]*schemas.ProxyEndpoint, error) {
				return s.fetchGitHub(c, path)
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	deduped := dedupe(collected)
	if len(deduped) == 0 {
		return nil, errors.New("no proxy candidates could be fetched")
	}
	s.logger.Info("Proxy candidates fetched",
		zap.Int("count", len(deduped)),
		zap.Int("raw", len(collected)))
	return deduped, nil
}

func (s *Sources) fetchRaw(ctx context.Context, source string) ([]*schemas.ProxyEndpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid source URL: %w", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read source body: %w", err)
	}

	batch := ParseList(string(body), protocolForSource(source))
	s.logger.Debug("Fetched proxy source",
		zap.String("source", source),
		zap.Int("count", len(batch)))
	return batch, nil
}

func (s *Sources) fetchGitHub(ctx context.Context, path string) ([]*schemas.ProxyEndpoint, error) {
	gh := s.cfg.GitHub
	reader, _, err := s.github.Repositories.DownloadContents(ctx, gh.Owner, gh.Repo, path, nil)
	if err != nil {
		return nil, fmt.Errorf("github contents download failed: %w", err)
	}
	defer reader.Close()

	body, err := io.ReadAll(io.LimitReader(reader, maxListBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read github content: %w", err)
	}

	batch := ParseList(string(body), protocolForSource(path))
	s.logger.Debug("Fetched proxy source",
		zap.String("source", "github:"+path),
		zap.Int("count", len(batch)))
	return batch, nil
}

// dedupe drops repeated endpoints, keeping first occurrence order. The
// same host:port can legitimately appear under both protocols.
func dedupe(endpoints []*schemas.ProxyEndpoint) []*schemas.ProxyEndpoint {
	seen := make(map[string]struct{}, len(endpoints))
	out := make([]*schemas.ProxyEndpoint, 0, len(endpoints))
	for _, endpoint := range endpoints {
		key := endpoint.URL()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, endpoint)
	}
	return out
}
