package config

import (
	"context"
	"errors"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/oauth2"
)

type ServerConfig struct {
	Stage               string        `envconfig:"STAGE" default:"dev"`
	Port                string        `envconfig:"PORT" default:"8080"`
	BindAddress         string        `envconfig:"BIND_ADDRESS"`
	GitHubToken         string        `envconfig:"GITHUB_TOKEN"`
	RepositoryOwner     string        `envconfig:"REPOSITORY_OWNER" required:"true"`
	RepositoryName      string        `envconfig:"REPOSITORY_NAME" required:"true"`
	VersionFilePath     string        `envconfig:"VERSION_FILE_PATH" default:"/opt/kiosk/VERSION"`
	UpdateScriptPath    string        `envconfig:"UPDATE_SCRIPT_PATH" default:"/opt/kiosk/bin/apply-update.sh"`
	CheckCacheTTL       time.Duration `envconfig:"CHECK_CACHE_TTL" default:"5m"`
	CheckTimeout        time.Duration `envconfig:"CHECK_TIMEOUT" default:"30s"`
	UpdateTimeout       time.Duration `envconfig:"UPDATE_TIMEOUT" default:"30m"`
	UpdateStallWindow   time.Duration `envconfig:"UPDATE_STALL_WINDOW" default:"5m"`
	ExpectedDowntime    time.Duration `envconfig:"EXPECTED_DOWNTIME" default:"30s"`
	SuccessResetDelay   time.Duration `envconfig:"SUCCESS_RESET_DELAY" default:"5m"`
	DisableRequestCache bool          `envconfig:"DISABLE_REQUEST_CACHE"`
	DisableMetrics      bool          `envconfig:"DISABLE_METRICS"`
	Version             string
}

func NewServerConfigFromEnv() (*ServerConfig, error) {
	var sCfg ServerConfig
	err := envconfig.Process("", &sCfg)
	if err != nil {
		return nil, err
	}
	if sCfg.RepositoryOwner == "" {
		return nil, errors.New("required key REPOSITORY_OWNER missing value")
	}
	if sCfg.RepositoryName == "" {
		return nil, errors.New("required key REPOSITORY_NAME missing value")
	}
	return &sCfg, nil
}

func (s *ServerConfig) GetServerAddr() string {
	return s.BindAddress + ":" + s.Port
}

// IsProduction reports whether the real update procedure may be launched.
// Outside production the supervisor runs in sandbox mode.
func (s *ServerConfig) IsProduction() bool {
	return s.Stage == "production"
}

func (s *ServerConfig) Repository() string {
	return s.RepositoryOwner + "/" + s.RepositoryName
}

// CreateGitHubClient builds the upstream client. Requests retry transient
// failures and are bounded by the configured check timeout. An empty token
// yields an unauthenticated client with the lower rate limit.
func (s *ServerConfig) CreateGitHubClient() *github.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil
	retryClient.RetryMax = 2
	retryClient.HTTPClient.Timeout = s.CheckTimeout
	httpClient := retryClient.StandardClient()
	if s.GitHubToken == "" {
		return github.NewClient(httpClient)
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
	oauthClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: s.GitHubToken}))
	return github.NewClient(oauthClient)
}
