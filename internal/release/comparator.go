package release

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/kioskbox/update-service/internal/metrics"
	"github.com/kioskbox/update-service/internal/version"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
)

// RemoteInfo describes the newest upstream release or tag.
type RemoteInfo struct {
	Version     string    `json:"version"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"publishedAt"`
	URL         string    `json:"url"`
}

// RateLimit is a snapshot of the upstream API rate limit counters.
type RateLimit struct {
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
}

// ReleaseInfo is one comparator result. Instances are never mutated after
// construction.
type ReleaseInfo struct {
	UpdateAvailable  bool           `json:"updateAvailable"`
	LocalVersion     string         `json:"localVersion"`
	RemoteVersion    string         `json:"remoteVersion"`
	ComparisonMethod version.Method `json:"comparisonMethod"`
	RepositoryURL    string         `json:"repositoryUrl"`
	LastChecked      time.Time      `json:"lastChecked"`
	RemoteInfo       RemoteInfo     `json:"remoteInfo"`
	RateLimit        RateLimit      `json:"rateLimitInfo"`
}

type cachedRemote struct {
	remote    RemoteInfo
	fetchedAt time.Time
}

// Comparator queries the upstream release API and decides whether a newer
// build exists. Responses are cached per repository and query kind; the rate
// limit state is refreshed from every live response.
type Comparator struct {
	log      *logrus.Logger
	ghClient *github.Client
	cache    *cache.Cache
	owner    string
	repo     string

	rateMu sync.Mutex
	rate   RateLimit
}

func NewComparator(log *logrus.Logger, ghClient *github.Client, owner, repo string, ttl time.Duration) *Comparator {
	return &Comparator{
		log:      log,
		ghClient: ghClient,
		cache:    cache.New(ttl, 2*ttl),
		owner:    owner,
		repo:     repo,
	}
}

func (c *Comparator) releasesCacheKey() string {
	return fmt.Sprintf("%s/%s:releases", c.owner, c.repo)
}

func (c *Comparator) tagsCacheKey() string {
	return fmt.Sprintf("%s/%s:tags", c.owner, c.repo)
}

func (c *Comparator) repositoryURL() string {
	return fmt.Sprintf("https://github.com/%s/%s", c.owner, c.repo)
}

// RateLimitInfo returns the last observed rate limit counters.
func (c *Comparator) RateLimitInfo() RateLimit {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	return c.rate
}

func (c *Comparator) updateRateLimit(resp *github.Response) {
	if resp == nil {
		return
	}
	c.rateMu.Lock()
	c.rate = RateLimit{
		Remaining: resp.Rate.Remaining,
		ResetTime: resp.Rate.Reset.Time,
	}
	c.rateMu.Unlock()
}

// ClearCache drops all cached upstream responses.
func (c *Comparator) ClearCache() {
	c.cache.Flush()
}

// CheckForUpdates compares the local version against the newest upstream
// release, falling back to tags when the repository publishes none. A cached
// remote snapshot within its TTL short-circuits the upstream call; LastChecked
// then reports when that snapshot was actually fetched.
func (c *Comparator) CheckForUpdates(ctx context.Context, localVersion string) (*ReleaseInfo, error) {
	remote, checkedAt, err := c.latestRemote(ctx)
	if err != nil {
		return nil, err
	}
	return &ReleaseInfo{
		UpdateAvailable:  version.Compare(localVersion, remote.Version),
		LocalVersion:     localVersion,
		RemoteVersion:    remote.Version,
		ComparisonMethod: comparisonMethod(localVersion, remote.Version),
		RepositoryURL:    c.repositoryURL(),
		LastChecked:      checkedAt,
		RemoteInfo:       *remote,
		RateLimit:        c.RateLimitInfo(),
	}, nil
}

func (c *Comparator) latestRemote(ctx context.Context) (*RemoteInfo, time.Time, error) {
	for _, key := range []string{c.releasesCacheKey(), c.tagsCacheKey()} {
		if v, ok := c.cache.Get(key); ok {
			octx, _ := tag.New(ctx, tag.Upsert(metrics.TagCacheKey, key))
			stats.Record(octx, metrics.CounterCacheHit.M(1))
			cr := v.(*cachedRemote)
			return &cr.remote, cr.fetchedAt, nil
		}
	}
	stats.Record(ctx, metrics.CounterCacheMiss.M(1), metrics.CounterUpstreamChecks.M(1))

	remote, key, err := c.fetchLatestRemote(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	fetchedAt := time.Now()
	c.cache.Set(key, &cachedRemote{remote: *remote, fetchedAt: fetchedAt}, cache.DefaultExpiration)
	return remote, fetchedAt, nil
}

func (c *Comparator) fetchLatestRemote(ctx context.Context) (*RemoteInfo, string, error) {
	rel, resp, err := c.ghClient.Repositories.GetLatestRelease(ctx, c.owner, c.repo)
	c.updateRateLimit(resp)
	if err == nil {
		return &RemoteInfo{
			Version:     rel.GetTagName(),
			Name:        rel.GetName(),
			PublishedAt: rel.GetPublishedAt().Time,
			URL:         rel.GetHTMLURL(),
		}, c.releasesCacheKey(), nil
	}
	mapped := mapGitHubError(err)
	if !errors.Is(mapped, ErrNotFound) {
		return nil, "", mapped
	}

	// No published releases; fall back to the newest tag.
	c.log.Debugf("no releases found for %s/%s, falling back to tags", c.owner, c.repo)
	tags, resp, err := c.ghClient.Repositories.ListTags(ctx, c.owner, c.repo, &github.ListOptions{PerPage: 1})
	c.updateRateLimit(resp)
	if err != nil {
		return nil, "", mapGitHubError(err)
	}
	if len(tags) == 0 {
		return nil, "", ErrNotFound.wrap(fmt.Errorf("repository %s/%s has no releases or tags", c.owner, c.repo))
	}
	t := tags[0]
	return &RemoteInfo{
		Version: t.GetName(),
		Name:    t.GetName(),
		URL:     fmt.Sprintf("%s/releases/tag/%s", c.repositoryURL(), t.GetName()),
	}, c.tagsCacheKey(), nil
}

func comparisonMethod(local, remote string) version.Method {
	if m := version.Classify(remote); m != version.MethodUnknown {
		return m
	}
	return version.Classify(local)
}

func mapGitHubError(err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return ErrRateLimited.wrap(err)
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return ErrRateLimited.wrap(err)
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		switch ghErr.Response.StatusCode {
		case 404:
			return ErrNotFound.wrap(err)
		case 403, 429:
			return ErrRateLimited.wrap(err)
		}
		return ErrRequestFailed.wrap(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout.wrap(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout.wrap(err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ErrNetwork.wrap(err)
	}
	return ErrRequestFailed.wrap(err)
}
