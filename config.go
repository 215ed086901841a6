package bindrelease

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Built-in profile names. They replace the two hand-maintained release
// scripts: "local" installs into the local Maven cache, "github" publishes
// to GitHub Packages and builds every Android ABI.
const (
	ProfileLocal  = "local"
	ProfileGitHub = "github"
)

// KnownABIs maps Android ABI names to their Rust toolchain triples.
var KnownABIs = map[string]string{
	"arm64-v8a":   "aarch64-linux-android",
	"armeabi-v7a": "armv7-linux-androideabi",
	"x86":         "i686-linux-android",
	"x86_64":      "x86_64-linux-android",
}

// Config holds the whole pipeline configuration.
//
// It is built once by Load (defaults, then the optional YAML file, then
// environment variables, then the selected profile) and passed by
// reference to every stage. Stages never read the environment themselves.
type Config struct {
	WorkspaceDir string        `yaml:"workspace_dir" envconfig:"BINDRELEASE_WORKSPACE"`
	CrateDir     string        `yaml:"crate_dir" envconfig:"BINDRELEASE_CRATE_DIR"`
	LibName      string        `yaml:"lib_name" envconfig:"BINDRELEASE_LIB_NAME"`
	OutputDir    string        `yaml:"output_dir" envconfig:"BINDRELEASE_OUTPUT_DIR"`
	Profile      string        `yaml:"profile" envconfig:"BINDRELEASE_PROFILE"`
	Targets      []BuildTarget `yaml:"targets" ignored:"true"`

	// Jobs bounds how many targets are cross-compiled at once.
	Jobs int `yaml:"jobs" envconfig:"BINDRELEASE_JOBS"`
	// ContinueOnTargetFailure keeps scheduling targets after one failed.
	ContinueOnTargetFailure bool `yaml:"continue_on_target_failure" envconfig:"BINDRELEASE_CONTINUE_ON_FAILURE"`
	// AllowPartialTargets lets the assembler package only the targets that built.
	AllowPartialTargets bool `yaml:"allow_partial_targets" envconfig:"BINDRELEASE_ALLOW_PARTIAL"`

	Cargo   CargoConfig   `yaml:"cargo"`
	Bindgen BindgenConfig `yaml:"bindgen"`
	Strip   StripConfig   `yaml:"strip"`
	Module  ModuleConfig  `yaml:"module"`
	Release ReleaseConfig `yaml:"release"`
	Publish PublishConfig `yaml:"publish"`
	Logging LogConfig     `yaml:"logging"`

	MetricsFile string `yaml:"metrics_file" envconfig:"BINDRELEASE_METRICS_FILE"`

	Profiles map[string]Profile `yaml:"profiles" ignored:"true"`
}

// CargoConfig configures the native toolchain invocations.
type CargoConfig struct {
	Bin       string   `yaml:"bin" envconfig:"CARGO"`
	TargetDir string   `yaml:"target_dir" envconfig:"CARGO_TARGET_DIR"`
	RustFlags string   `yaml:"rustflags" envconfig:"RUSTFLAGS"`
	NDKHome   string   `yaml:"ndk_home" envconfig:"ANDROID_NDK_HOME"`
	Platform  int      `yaml:"platform" envconfig:"ANDROID_PLATFORM"`
	Args      []string `yaml:"args" envconfig:"BINDRELEASE_CARGO_ARGS"`
}

// BindgenConfig configures the binding generator.
type BindgenConfig struct {
	Generator      string `yaml:"generator" envconfig:"BINDRELEASE_GENERATOR"`
	ConfigFile     string `yaml:"config_file" envconfig:"BINDRELEASE_GENERATOR_CONFIG"`
	Language       string `yaml:"language" envconfig:"BINDRELEASE_LANGUAGE"`
	ExpectedGlue   string `yaml:"expected_glue" envconfig:"BINDRELEASE_EXPECTED_GLUE"`
	GlueGlob       string `yaml:"glue_glob"`
	MetadataPrefix string `yaml:"metadata_prefix" envconfig:"BINDRELEASE_METADATA_PREFIX"`
}

// StripConfig configures best-effort symbol stripping.
type StripConfig struct {
	Skip bool     `yaml:"skip" envconfig:"BINDRELEASE_SKIP_STRIP"`
	Args []string `yaml:"args"`
}

// ModuleConfig configures the Android library module and its builder.
type ModuleConfig struct {
	Name         string   `yaml:"name"`
	Namespace    string   `yaml:"namespace"`
	MinSDK       int      `yaml:"min_sdk"`
	CompileSDK   int      `yaml:"compile_sdk"`
	TemplatesDir string   `yaml:"templates_dir" envconfig:"BINDRELEASE_TEMPLATES_DIR"`
	Command      []string `yaml:"command" envconfig:"BINDRELEASE_MODULE_COMMAND"`
	Task         string   `yaml:"task"`
	PublishTask  string   `yaml:"publish_task" envconfig:"BINDRELEASE_PUBLISH_TASK"`
	BundleGlob   string   `yaml:"bundle_glob"`

	// Repository is the GitHub Packages owner/name used when
	// GITHUB_REPOSITORY is not set during the module build.
	Repository string `yaml:"repository" envconfig:"GITHUB_REPOSITORY"`
}

// ReleaseConfig describes the released package identity and staging inputs.
type ReleaseConfig struct {
	GroupID     string `yaml:"group_id"`
	ArtifactID  string `yaml:"artifact_id"`
	Version     string `yaml:"version" envconfig:"VERSION"`
	Tag         string `yaml:"tag" envconfig:"GITHUB_REF_NAME"`
	RegistryDir string `yaml:"registry_dir" envconfig:"BINDRELEASE_REGISTRY_DIR"`
	LicenseFile string `yaml:"license_file"`
	ReadmeFile  string `yaml:"readme_file"`
	Actor       string `yaml:"-" envconfig:"GITHUB_ACTOR"`
	Token       string `yaml:"-" envconfig:"GITHUB_TOKEN"`
}

// PublishConfig configures the distribution repository replacement.
type PublishConfig struct {
	Enabled     bool     `yaml:"enabled" envconfig:"BINDRELEASE_PUBLISH"`
	RepoURL     string   `yaml:"repo_url" envconfig:"DIST_REPO_URL"`
	Token       string   `yaml:"-" envconfig:"DIST_REPO_TOKEN"`
	Branch      string   `yaml:"branch"`
	WorkDir     string   `yaml:"work_dir"`
	AuthorName  string   `yaml:"author_name"`
	AuthorEmail string   `yaml:"author_email"`
	Keep        []string `yaml:"keep" ignored:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Development bool   `yaml:"development" envconfig:"LOG_DEV"`
}

// Profile is a named override of the target list and publish destination.
type Profile struct {
	Targets     []BuildTarget `yaml:"targets"`
	PublishTask string        `yaml:"publish_task"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WorkspaceDir: ".",
		CrateDir:     ".",
		Profile:      ProfileLocal,
		Jobs:         1,
		Cargo: CargoConfig{
			Bin:      "cargo",
			Platform: 21,
		},
		Bindgen: BindgenConfig{
			Generator:      "uniffi-bindgen",
			ConfigFile:     "uniffi.toml",
			Language:       "kotlin",
			GlueGlob:       "**/*.kt",
			MetadataPrefix: "UNIFFI_META_",
		},
		Strip: StripConfig{
			Args: []string{"--strip-unneeded"},
		},
		Module: ModuleConfig{
			Name:       "polkabind-android",
			Namespace:  "dev.polkabind",
			MinSDK:     21,
			CompileSDK: 34,
			Command:    []string{"gradle", "-p", "{{dir}}", "{{task}}"},
			Task:       "assembleRelease",
			BundleGlob: "build/outputs/aar/*-release.aar",
			Repository: "polkabind/polkabind-android",
		},
		Release: ReleaseConfig{
			GroupID:     "dev.polkabind",
			ArtifactID:  "polkabind-android",
			LicenseFile: "LICENSE",
			ReadmeFile:  "README.md",
		},
		Publish: PublishConfig{
			Branch:      "main",
			AuthorName:  "bindrelease",
			AuthorEmail: "bindrelease@users.noreply.github.com",
			Keep:        []string{".git", ".github"},
		},
		Logging: LogConfig{
			Level: "info",
		},
		Profiles: builtinProfiles(),
	}
}

func builtinProfiles() map[string]Profile {
	return map[string]Profile{
		ProfileLocal: {
			Targets: []BuildTarget{
				{ABI: "arm64-v8a", Triple: KnownABIs["arm64-v8a"]},
				{ABI: "armeabi-v7a", Triple: KnownABIs["armeabi-v7a"]},
			},
			PublishTask: "publishToMavenLocal",
		},
		ProfileGitHub: {
			Targets: []BuildTarget{
				{ABI: "arm64-v8a", Triple: KnownABIs["arm64-v8a"]},
				{ABI: "armeabi-v7a", Triple: KnownABIs["armeabi-v7a"]},
				{ABI: "x86", Triple: KnownABIs["x86"]},
				{ABI: "x86_64", Triple: KnownABIs["x86_64"]},
			},
			PublishTask: "publishReleasePublicationToGitHubPackagesRepository",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, the environment and profile (a non-empty profile argument wins
// over the file and BINDRELEASE_PROFILE). The result is validated.
func Load(path, profile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.mergeYAML(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if profile != "" {
		cfg.Profile = profile
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeYAML overlays a YAML document onto cfg. Profiles from the document
// are added to the built-in ones, replacing those with the same name.
func (c *Config) mergeYAML(data []byte) error {
	builtins := c.Profiles
	c.Profiles = nil

	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}

	merged := make(map[string]Profile, len(builtins)+len(c.Profiles))
	for name, p := range builtins {
		merged[name] = p
	}
	for name, p := range c.Profiles {
		merged[name] = p
	}
	c.Profiles = merged
	return nil
}

// resolve applies the selected profile and fills derived values.
func (c *Config) resolve() error {
	if c.Profile != "" {
		p, ok := c.Profiles[c.Profile]
		if !ok {
			return fmt.Errorf("%w: unknown profile %q (available: %s)", ErrConfig, c.Profile, strings.Join(c.profileNames(), ", "))
		}
		if len(c.Targets) == 0 {
			c.Targets = append([]BuildTarget(nil), p.Targets...)
		}
		if c.Module.PublishTask == "" {
			c.Module.PublishTask = p.PublishTask
		}
	}

	for i := range c.Targets {
		if c.Targets[i].Triple == "" {
			c.Targets[i].Triple = KnownABIs[c.Targets[i].ABI]
		}
	}

	if c.Release.Version == "" && c.Release.Tag != "" {
		c.Release.Version = VersionFromTag(c.Release.Tag)
	}

	if c.WorkspaceDir == "" {
		c.WorkspaceDir = "."
	}
	if abs, err := filepath.Abs(c.WorkspaceDir); err == nil {
		c.WorkspaceDir = abs
	}
	c.CrateDir = c.inWorkspace(c.CrateDir)
	if c.Cargo.TargetDir == "" {
		c.Cargo.TargetDir = filepath.Join(c.WorkspaceDir, "target")
	}
	c.Cargo.TargetDir = c.inWorkspace(c.Cargo.TargetDir)
	if c.OutputDir == "" {
		c.OutputDir = filepath.Join(c.WorkspaceDir, "build", "bindrelease")
	}
	c.OutputDir = c.inWorkspace(c.OutputDir)
	if c.Release.RegistryDir == "" {
		c.Release.RegistryDir = filepath.Join(c.OutputDir, "releases")
	}
	c.Release.RegistryDir = c.inWorkspace(c.Release.RegistryDir)
	if c.Publish.WorkDir == "" {
		c.Publish.WorkDir = filepath.Join(c.OutputDir, "dist-repo")
	}
	c.Publish.WorkDir = c.inWorkspace(c.Publish.WorkDir)
	if c.Bindgen.ConfigFile != "" {
		c.Bindgen.ConfigFile = c.inWorkspace(c.Bindgen.ConfigFile)
	}
	if c.Module.TemplatesDir != "" {
		c.Module.TemplatesDir = c.inWorkspace(c.Module.TemplatesDir)
	}
	c.Release.LicenseFile = c.inWorkspace(c.Release.LicenseFile)
	c.Release.ReadmeFile = c.inWorkspace(c.Release.ReadmeFile)

	return nil
}

// Validate checks required fields. All configuration errors wrap ErrConfig.
func (c *Config) Validate() error {
	var problems []string

	if info, err := os.Stat(c.WorkspaceDir); err != nil || !info.IsDir() {
		problems = append(problems, fmt.Sprintf("workspace directory %s does not exist", c.WorkspaceDir))
	}

	if len(c.Targets) == 0 {
		problems = append(problems, "no build targets configured")
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for _, t := range c.Targets {
		if t.ABI == "" {
			problems = append(problems, "build target without abi")
			continue
		}
		if t.Triple == "" {
			problems = append(problems, fmt.Sprintf("unknown abi %q and no triple given", t.ABI))
		}
		if _, dup := seen[t.ABI]; dup {
			problems = append(problems, fmt.Sprintf("duplicate build target %q", t.ABI))
		}
		seen[t.ABI] = struct{}{}
	}

	if c.Jobs < 1 {
		problems = append(problems, "jobs must be at least 1")
	}
	if len(c.Module.Command) == 0 {
		problems = append(problems, "module build command is empty")
	}
	if c.Release.GroupID == "" || c.Release.ArtifactID == "" {
		problems = append(problems, "release group_id and artifact_id are required")
	}
	if strings.ContainsAny(c.Release.Version, `/\`) || c.Release.Version == "." || c.Release.Version == ".." {
		problems = append(problems, fmt.Sprintf("invalid release version %q", c.Release.Version))
	}

	if c.Publish.Enabled {
		if c.Release.Tag == "" {
			problems = append(problems, "publishing requires a tag (GITHUB_REF_NAME)")
		}
		if c.Publish.RepoURL == "" {
			problems = append(problems, "publishing requires a repository url (DIST_REPO_URL)")
		} else if isRemoteURL(c.Publish.RepoURL) && c.Publish.Token == "" {
			problems = append(problems, "publishing requires DIST_REPO_TOKEN")
		}
		if c.Publish.Branch == "" {
			problems = append(problems, "publish branch is empty")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConfig, strings.Join(problems, "; "))
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Release.Token != "" {
		cp.Release.Token = "***"
	}
	if cp.Publish.Token != "" {
		cp.Publish.Token = "***"
	}
	return &cp
}

// YAML renders the configuration (secrets are never serialized).
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// GlueDir is where generated binding sources are written.
func (c *Config) GlueDir() string { return filepath.Join(c.OutputDir, "bindings") }

// JniLibsDir holds one subdirectory of shared libraries per ABI.
func (c *Config) JniLibsDir() string { return filepath.Join(c.OutputDir, "jniLibs") }

// ModuleDir is the root of the materialized library module.
func (c *Config) ModuleDir() string { return filepath.Join(c.OutputDir, "module") }

// StagingDir is the distribution staging directory.
func (c *Config) StagingDir() string { return filepath.Join(c.OutputDir, "dist") }

// VersionFromTag strips the leading "v" of a release tag ("v1.2.3" -> "1.2.3").
func VersionFromTag(tag string) string {
	tag = strings.TrimPrefix(tag, "refs/tags/")
	if len(tag) > 1 && (tag[0] == 'v' || tag[0] == 'V') && tag[1] >= '0' && tag[1] <= '9' {
		return tag[1:]
	}
	return tag
}

func (c *Config) inWorkspace(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.WorkspaceDir, path)
}

func (c *Config) profileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isRemoteURL(url string) bool {
	return strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://") ||
		strings.HasPrefix(url, "ssh://") || strings.HasPrefix(url, "git@")
}
