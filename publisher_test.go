package bindrelease

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bareRemote creates an empty bare repository whose default branch is main.
// Pushing over the file transport runs git-receive-pack, so the test is
// skipped without a git installation.
func bareRemote(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := filepath.Join(t.TempDir(), "dist.git")
	_, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		Bare:        true,
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	require.NoError(t, err)
	return dir
}

func publishConfig(t *testing.T, remote, tag string) *Config {
	t.Helper()
	cfg := testConfig(t, "arm64-v8a")
	cfg.Publish.Enabled = true
	cfg.Publish.RepoURL = remote
	cfg.Release.Tag = tag
	cfg.Release.Version = VersionFromTag(tag)
	require.NoError(t, cfg.Validate())
	return cfg
}

// publishStaging writes files into a fresh staging directory and runs the
// publisher against it.
func publishStaging(t *testing.T, cfg *Config, files map[string]string) (*Run, error) {
	t.Helper()
	run := testRun(t, cfg)
	run.StagingDir = cfg.StagingDir()
	require.NoError(t, resetDir(run.StagingDir))
	for path, content := range files {
		writeFile(t, filepath.Join(run.StagingDir, filepath.FromSlash(path)), content)
	}

	p := &Publisher{Now: fixedClock("2025-03-04T05:06:07Z")}
	return run, p.Run(context.Background(), run)
}

// remoteTree returns the files of the commit ref points to in the remote.
func remoteTree(t *testing.T, remote string, ref plumbing.ReferenceName) (map[string]string, *object.Commit) {
	t.Helper()
	repo, err := git.PlainOpen(remote)
	require.NoError(t, err)
	r, err := repo.Reference(ref, true)
	require.NoError(t, err)
	commit, err := repo.CommitObject(r.Hash())
	require.NoError(t, err)
	tree, err := commit.Tree()
	require.NoError(t, err)

	files := map[string]string{}
	require.NoError(t, tree.Files().ForEach(func(f *object.File) error {
		content, err := f.Contents()
		files[f.Name] = content
		return err
	}))
	return files, commit
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestPublisherFirstReleaseToEmptyRemote(t *testing.T) {
	remote := bareRemote(t)
	cfg := publishConfig(t, remote, "v1.0.0")

	run, err := publishStaging(t, cfg, map[string]string{
		"README.md": "# polkabind\n",
		"releases/dev.polkabind/polkabind-android/1.0.0/polkabind-android-1.0.0.aar": "aar",
	})
	require.NoError(t, err)

	require.NotNil(t, run.Published)
	assert.False(t, run.Published.NoOp)
	assert.Equal(t, "main", run.Published.Branch)
	assert.Equal(t, "v1.0.0", run.Published.Tag)

	files, commit := remoteTree(t, remote, plumbing.NewBranchReferenceName("main"))
	assert.Equal(t, []string{"README.md", "releases/dev.polkabind/polkabind-android/1.0.0/polkabind-android-1.0.0.aar"}, keys(files))
	assert.Equal(t, "Release v1.0.0", commit.Message)
	assert.Equal(t, "bindrelease", commit.Author.Name)
	assert.Equal(t, run.Published.Commit, commit.Hash.String())

	_, tagged := remoteTree(t, remote, plumbing.NewTagReferenceName("v1.0.0"))
	assert.Equal(t, commit.Hash, tagged.Hash)
}

func TestPublisherReplacesTreeAndKeepsConfiguredEntries(t *testing.T) {
	remote := bareRemote(t)

	_, err := publishStaging(t, publishConfig(t, remote, "v1.0.0"), map[string]string{
		".github/workflows/ci.yml": "on: push\n",
		"stale.txt":                "from the first release",
		"README.md":                "old readme",
	})
	require.NoError(t, err)

	_, err = publishStaging(t, publishConfig(t, remote, "v1.1.0"), map[string]string{
		"README.md": "new readme",
		"LICENSE":   "Apache-2.0",
	})
	require.NoError(t, err)

	files, _ := remoteTree(t, remote, plumbing.NewBranchReferenceName("main"))
	assert.Equal(t, []string{".github/workflows/ci.yml", "LICENSE", "README.md"}, keys(files))
	assert.Equal(t, "new readme", files["README.md"])

	old, _ := remoteTree(t, remote, plumbing.NewTagReferenceName("v1.0.0"))
	assert.Contains(t, old, "stale.txt", "earlier tags keep their tree")
}

func TestPublisherNothingToCommitTagsHead(t *testing.T) {
	remote := bareRemote(t)
	staging := map[string]string{"README.md": "# polkabind\n"}

	first, err := publishStaging(t, publishConfig(t, remote, "v1.0.0"), staging)
	require.NoError(t, err)

	second, err := publishStaging(t, publishConfig(t, remote, "v1.0.1"), staging)
	require.NoError(t, err)
	assert.True(t, second.Published.NoOp)
	assert.Equal(t, first.Published.Commit, second.Published.Commit)

	_, tagged := remoteTree(t, remote, plumbing.NewTagReferenceName("v1.0.1"))
	assert.Equal(t, first.Published.Commit, tagged.Hash.String())
}

func TestPublisherRefusesExistingTag(t *testing.T) {
	remote := bareRemote(t)

	_, err := publishStaging(t, publishConfig(t, remote, "v1.0.0"), map[string]string{"README.md": "one"})
	require.NoError(t, err)

	_, err = publishStaging(t, publishConfig(t, remote, "v1.0.0"), map[string]string{"README.md": "two"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tag v1.0.0 already exists")

	files, _ := remoteTree(t, remote, plumbing.NewBranchReferenceName("main"))
	assert.Equal(t, "one", files["README.md"], "nothing is pushed when tagging fails")
}

func TestPublisherNeedsStaging(t *testing.T) {
	cfg := publishConfig(t, filepath.Join(t.TempDir(), "dist.git"), "v1.0.0")
	err := (&Publisher{}).Run(context.Background(), testRun(t, cfg))
	assert.ErrorIs(t, err, ErrArtifactMissing)
}

func TestSeedCopiesPublishedVersions(t *testing.T) {
	cfg := testConfig(t, "arm64-v8a")
	cfg.Publish.WorkDir = t.TempDir()

	published := filepath.Join(cfg.Publish.WorkDir, "releases", "dev.polkabind", "polkabind-android")
	writeFile(t, filepath.Join(published, "1.0.0", "polkabind-android-1.0.0.aar"), "published 1.0.0")
	writeFile(t, filepath.Join(published, "1.1.0", "polkabind-android-1.1.0.aar"), "published 1.1.0")
	writeFile(t, filepath.Join(published, MetadataFile), "<metadata/>")

	local := NewRegistry(cfg)
	writeFile(t, filepath.Join(local.VersionDir("1.1.0"), "polkabind-android-1.1.0.aar"), "local 1.1.0")

	copied, err := Seed(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0"}, copied)

	data, err := os.ReadFile(filepath.Join(local.VersionDir("1.0.0"), "polkabind-android-1.0.0.aar"))
	require.NoError(t, err)
	assert.Equal(t, "published 1.0.0", string(data))

	data, err = os.ReadFile(filepath.Join(local.VersionDir("1.1.0"), "polkabind-android-1.1.0.aar"))
	require.NoError(t, err)
	assert.Equal(t, "local 1.1.0", string(data), "local versions win")
}

func TestSeedWithoutPublishedRegistry(t *testing.T) {
	cfg := testConfig(t, "arm64-v8a")
	cfg.Publish.WorkDir = t.TempDir()

	copied, err := Seed(cfg)
	require.NoError(t, err)
	assert.Empty(t, copied)
}

func TestPublishAuth(t *testing.T) {
	cfg := Default()
	cfg.Publish.RepoURL = "https://github.com/polkabind/polkabind-android.git"
	assert.Nil(t, publishAuth(cfg))

	cfg.Publish.Token = "ghp_dist"
	auth, ok := publishAuth(cfg).(*githttp.BasicAuth)
	require.True(t, ok)
	assert.Equal(t, "x-access-token", auth.Username)
	assert.Equal(t, "ghp_dist", auth.Password)

	cfg.Publish.RepoURL = "/srv/git/dist.git"
	assert.Nil(t, publishAuth(cfg))
}
