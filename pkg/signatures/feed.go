package signatures

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/google/go-github/v74/github"
	"golang.org/x/oauth2"

	"github.com/exploopio/extrisk/pkg/core"
	"github.com/exploopio/extrisk/pkg/errors"
)

// FeedConfig locates the signature feed in a GitHub repository.
type FeedConfig struct {
	// Repository owner (e.g., "exploopio")
	Owner string `json:"owner"`

	// Repository name (e.g., "extrisk-signatures")
	Repo string `json:"repo"`

	// Path to the feed file inside the repository
	Path string `json:"path"`

	// Git ref to read from; empty means the default branch
	Ref string `json:"ref,omitempty"`

	// Access token; falls back to GITHUB_TOKEN
	Token string `json:"-"`
}

// feedDocument is the wire format of the published feed.
type feedDocument struct {
	Domains                []string                `json:"domains"`
	KnownGood              []string                `json:"known_good,omitempty"`
	CodeFingerprints       []CodeFingerprint       `json:"code_fingerprints,omitempty"`
	PermissionFingerprints []PermissionFingerprint `json:"permission_fingerprints,omitempty"`
}

// FeedClient pulls signature database updates from a GitHub-hosted feed.
// A fetch failure never degrades the engine: callers keep the database they
// already have (the built-in one at minimum).
type FeedClient struct {
	cfg    FeedConfig
	client *github.Client
	logger core.Logger
}

// NewFeedClient creates a feed client. An empty token falls back to the
// GITHUB_TOKEN environment variable; with no token at all the client reads
// public repositories anonymously.
func NewFeedClient(cfg FeedConfig, logger core.Logger) *FeedClient {
	if logger == nil {
		logger = &core.NopLogger{}
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}

	var client *github.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		tc := oauth2.NewClient(context.Background(), ts)
		client = github.NewClient(tc)
	} else {
		client = github.NewClient(nil)
	}

	return &FeedClient{cfg: cfg, client: client, logger: logger}
}

// Fetch downloads and parses the current feed, returning a compiled
// database that merges the feed on top of the built-in signatures.
func (f *FeedClient) Fetch(ctx context.Context) (*Database, error) {
	const op = "signatures.Fetch"

	if f.cfg.Owner == "" || f.cfg.Repo == "" || f.cfg.Path == "" {
		return nil, errors.E(errors.KindInvalidInput, op, "feed owner/repo/path are required")
	}

	opts := &github.RepositoryContentGetOptions{Ref: f.cfg.Ref}
	rc, _, err := f.client.Repositories.DownloadContents(ctx, f.cfg.Owner, f.cfg.Repo, f.cfg.Path, opts)
	if err != nil {
		return nil, errors.E(errors.KindNetwork, op, "download feed", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.E(errors.KindNetwork, op, "read feed body", err)
	}

	db, err := parseFeed(data)
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, "parse feed", err)
	}

	f.logger.Info("signature feed refreshed: %d domains, %d code fingerprints",
		len(db.DomainBlacklist), len(db.CodeFingerprints))
	return db, nil
}

// Refresh fetches the feed and swaps it into the provider.
// On failure the provider keeps its current database and the error is
// returned for logging only.
func (f *FeedClient) Refresh(ctx context.Context, provider *Provider) error {
	db, err := f.Fetch(ctx)
	if err != nil {
		f.logger.Warn("signature feed refresh failed, keeping current database: %v", err)
		return err
	}
	provider.Replace(db)
	return nil
}

// parseFeed merges a feed document on top of the built-in database.
func parseFeed(data []byte) (*Database, error) {
	var doc feedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	db := Default()
	db.DomainBlacklist = append(db.DomainBlacklist, doc.Domains...)
	db.KnownGoodDomains = append(db.KnownGoodDomains, doc.KnownGood...)
	db.CodeFingerprints = append(db.CodeFingerprints, doc.CodeFingerprints...)
	db.PermissionFingerprints = append(db.PermissionFingerprints, doc.PermissionFingerprints...)
	if err := db.Compile(); err != nil {
		return nil, err
	}
	return db, nil
}
