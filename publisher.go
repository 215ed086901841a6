package bindrelease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/magefile/mage/sh"
	"go.uber.org/zap"
)

const (
	originRemote  = "origin"
	tokenUsername = "x-access-token"
)

// PublishResult describes what the publisher pushed.
type PublishResult struct {
	Branch string
	Tag    string
	Commit string
	// NoOp is set when the staged tree matched the branch and no commit
	// was created; the tag then points at the existing head.
	NoOp bool
}

// Publisher replaces the contents of the distribution repository with the
// staging tree, commits, tags and pushes.
//
// # Publish Model
//
// Publishing is a full replace, not a merge:
//  1. Clone the repository into cfg.Publish.WorkDir and check out the branch
//  2. Delete every top-level entry except those in cfg.Publish.Keep
//  3. Copy the staging directory in
//  4. Commit all additions and deletions (nothing to commit is only logged)
//  5. Create a lightweight tag named after the triggering tag
//  6. Push the branch and the tag
//
// An existing tag with the same name is an error. The checkout is cloned
// fresh for every run; when the registry seed stage ran first, its clone
// is reused.
type Publisher struct {
	// Now stamps commits. Defaults to time.Now.
	Now func() time.Time

	repo *git.Repository
}

// Name returns the stage name
func (p *Publisher) Name() string {
	return "publish"
}

// Run publishes run.StagingDir.
func (p *Publisher) Run(ctx context.Context, run *Run) error {
	cfg := run.Config
	if run.StagingDir == "" || !dirExists(run.StagingDir) {
		return stageError(p.Name(), nil, missingArtifact("staging directory", cfg.StagingDir()))
	}

	repo := p.repo
	if repo == nil {
		var err error
		if repo, err = p.checkout(ctx, cfg, run.Log); err != nil {
			return stageError(p.Name(), nil, err)
		}
	}

	result, err := p.publish(ctx, cfg, repo, run.StagingDir, run.Log)
	if err != nil {
		return stageError(p.Name(), nil, err)
	}
	run.Published = result
	p.repo = nil
	return nil
}

// SeedStage returns a stage that clones the distribution repository and
// copies its published registry versions into cfg.Release.RegistryDir, so
// the regenerated index keeps earlier releases. The clone is reused by Run.
func (p *Publisher) SeedStage() Stage {
	return &seedStage{publisher: p}
}

type seedStage struct {
	publisher *Publisher
}

func (s *seedStage) Name() string {
	return "seed-registry"
}

func (s *seedStage) Run(ctx context.Context, run *Run) error {
	repo, err := s.publisher.checkout(ctx, run.Config, run.Log)
	if err != nil {
		return stageError(s.Name(), nil, err)
	}
	s.publisher.repo = repo

	seeded, err := Seed(run.Config)
	if err != nil {
		return stageError(s.Name(), nil, err)
	}
	run.Log.Info("registry seeded from distribution repository", zap.Strings("versions", seeded))
	return nil
}

// Seed copies the version directories published in the checkout at
// cfg.Publish.WorkDir into the local registry. Versions already present
// locally are kept. It returns the copied version names.
func Seed(cfg *Config) ([]string, error) {
	local := NewRegistry(cfg)
	published := &Registry{
		Root:       filepath.Join(cfg.Publish.WorkDir, "releases"),
		GroupID:    cfg.Release.GroupID,
		ArtifactID: cfg.Release.ArtifactID,
	}

	versions, err := published.Versions()
	if err != nil {
		return nil, fmt.Errorf("failed to list published versions: %w", err)
	}

	var copied []string
	for _, v := range versions {
		if dirExists(local.VersionDir(v)) {
			continue
		}
		if err := copyTree(published.VersionDir(v), local.VersionDir(v)); err != nil {
			return copied, fmt.Errorf("failed to seed version %s: %w", v, err)
		}
		copied = append(copied, v)
	}
	return copied, nil
}

// checkout clones the repository into a cleared work dir and checks out
// the publish branch.
func (p *Publisher) checkout(ctx context.Context, cfg *Config, log *zap.Logger) (*git.Repository, error) {
	dir := cfg.Publish.WorkDir
	if err := resetDir(dir); err != nil {
		return nil, err
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:        cfg.Publish.RepoURL,
		Auth:       publishAuth(cfg),
		RemoteName: originRemote,
		Tags:       git.AllTags,
	})
	switch {
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		log.Info("distribution repository is empty, starting a new history", zap.String("url", cfg.Publish.RepoURL))
		if repo, err = initEmpty(dir, cfg.Publish.RepoURL); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to clone %s: %w", cfg.Publish.RepoURL, err)
	}

	if err := checkoutBranch(repo, cfg.Publish.Branch); err != nil {
		return nil, fmt.Errorf("failed to check out %s: %w", cfg.Publish.Branch, err)
	}
	log.Info("distribution repository checked out",
		zap.String("dir", dir),
		zap.String("branch", cfg.Publish.Branch))
	return repo, nil
}

func (p *Publisher) publish(ctx context.Context, cfg *Config, repo *git.Repository, staging string, log *zap.Logger) (*PublishResult, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	root := wt.Filesystem.Root()

	if err := replaceTree(root, staging, cfg.Publish.Keep); err != nil {
		return nil, fmt.Errorf("failed to replace repository contents: %w", err)
	}

	changed, err := stageAll(wt)
	if err != nil {
		return nil, fmt.Errorf("failed to stage changes: %w", err)
	}

	result := &PublishResult{Branch: cfg.Publish.Branch, Tag: cfg.Release.Tag}
	if changed == 0 {
		log.Info("nothing to commit, tagging the current head")
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("nothing to commit and no existing head to tag: %w", err)
		}
		result.NoOp = true
		result.Commit = head.Hash().String()
	} else {
		now := time.Now
		if p.Now != nil {
			now = p.Now
		}
		sig := &object.Signature{Name: cfg.Publish.AuthorName, Email: cfg.Publish.AuthorEmail, When: now()}
		hash, err := wt.Commit(fmt.Sprintf("Release %s", cfg.Release.Tag), &git.CommitOptions{
			Author:    sig,
			Committer: sig,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		result.Commit = hash.String()
		log.Info("release committed", zap.String("commit", result.Commit), zap.Int("changes", changed))
	}

	if err := createTag(repo, cfg.Release.Tag, plumbing.NewHash(result.Commit)); err != nil {
		return nil, err
	}

	branchRef := plumbing.NewBranchReferenceName(cfg.Publish.Branch)
	tagRef := plumbing.NewTagReferenceName(cfg.Release.Tag)
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: originRemote,
		Auth:       publishAuth(cfg),
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(branchRef + ":" + branchRef),
			gitconfig.RefSpec(tagRef + ":" + tagRef),
		},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("failed to push: %w", err)
	}

	log.Info("release pushed",
		zap.String("branch", result.Branch),
		zap.String("tag", result.Tag),
		zap.String("commit", result.Commit))
	return result, nil
}

// publishAuth returns token credentials for HTTP remotes.
func publishAuth(cfg *Config) transport.AuthMethod {
	if cfg.Publish.Token == "" || !isHTTPURL(cfg.Publish.RepoURL) {
		return nil
	}
	return &githttp.BasicAuth{Username: tokenUsername, Password: cfg.Publish.Token}
}

func initEmpty(dir, url string) (*git.Repository, error) {
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		return nil, err
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: originRemote, URLs: []string{url}}); err != nil {
		return nil, err
	}
	return repo, nil
}

// checkoutBranch makes branch the checked-out branch, tracking the remote
// branch when there is one. A branch that exists nowhere becomes an
// unborn HEAD so the first commit creates it.
func checkoutBranch(repo *git.Repository, branch string) error {
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}

	local := plumbing.NewBranchReferenceName(branch)
	remoteRef, remoteErr := repo.Reference(plumbing.NewRemoteReferenceName(originRemote, branch), true)
	_, localErr := repo.Reference(local, true)

	switch {
	case localErr == nil:
		if err := wt.Checkout(&git.CheckoutOptions{Branch: local, Force: true}); err != nil {
			return err
		}
		if remoteErr == nil {
			return wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset})
		}
		return nil
	case remoteErr == nil:
		return wt.Checkout(&git.CheckoutOptions{Branch: local, Hash: remoteRef.Hash(), Create: true, Force: true})
	default:
		return repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, local))
	}
}

// replaceTree deletes every top-level entry of root not listed in keep and
// copies staging into root.
func replaceTree(root, staging string, keep []string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == ".git" || slices.Contains(keep, e.Name()) {
			continue
		}
		if err := sh.Rm(filepath.Join(root, e.Name())); err != nil {
			return err
		}
	}
	return copyTree(staging, root)
}

// stageAll stages every addition, modification and deletion in the
// worktree and returns the number of changed paths.
func stageAll(wt *git.Worktree) (int, error) {
	status, err := wt.Status()
	if err != nil {
		return 0, err
	}

	paths := make([]string, 0, len(status))
	for path, s := range status {
		if s.Worktree == git.Unmodified && s.Staging == git.Unmodified {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if status.File(path).Worktree == git.Deleted {
			if _, err := wt.Remove(path); err != nil {
				return 0, fmt.Errorf("failed to stage removal of %s: %w", path, err)
			}
			continue
		}
		if _, err := wt.Add(path); err != nil {
			return 0, fmt.Errorf("failed to stage %s: %w", path, err)
		}
	}
	return len(paths), nil
}

// createTag creates a lightweight tag, refusing to move an existing one.
func createTag(repo *git.Repository, name string, hash plumbing.Hash) error {
	if _, err := repo.Tag(name); err == nil {
		return fmt.Errorf("tag %s already exists", name)
	} else if !errors.Is(err, git.ErrTagNotFound) {
		return err
	}
	if _, err := repo.CreateTag(name, hash, nil); err != nil {
		return fmt.Errorf("failed to create tag %s: %w", name, err)
	}
	return nil
}

func isHTTPURL(url string) bool {
	return strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://")
}
