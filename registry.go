package bindrelease

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// Registry file names and formats.
const (
	MetadataFile          = "maven-metadata.xml"
	metadataTimeLayout    = "20060102150405"
	pomModelVersion       = "4.0.0"
	pomNamespace          = "http://maven.apache.org/POM/4.0.0"
	pomSchemaInstance     = "http://www.w3.org/2001/XMLSchema-instance"
	pomSchemaLocation     = "http://maven.apache.org/POM/4.0.0 https://maven.apache.org/xsd/maven-4.0.0.xsd"
	bundleExtension       = "aar"
	bundlePackagingFormat = "aar"
)

// Registry is a Maven-style repository layout on disk:
//
//	<Root>/<GroupID>/<ArtifactID>/maven-metadata.xml
//	<Root>/<GroupID>/<ArtifactID>/<version>/<ArtifactID>-<version>.aar
//	<Root>/<GroupID>/<ArtifactID>/<version>/<ArtifactID>-<version>.pom
//
// The group directory is the literal group id. The version index is
// always regenerated from the version directories present on disk, never
// accumulated, so re-running after a partial failure repairs it.
type Registry struct {
	Root       string
	GroupID    string
	ArtifactID string

	// Now stamps lastUpdated. Defaults to time.Now.
	Now func() time.Time
}

// NewRegistry creates the registry described by cfg.
func NewRegistry(cfg *Config) *Registry {
	return &Registry{
		Root:       cfg.Release.RegistryDir,
		GroupID:    cfg.Release.GroupID,
		ArtifactID: cfg.Release.ArtifactID,
	}
}

// ArtifactDir is the directory holding the index and version directories.
func (r *Registry) ArtifactDir() string {
	return filepath.Join(r.Root, r.GroupID, r.ArtifactID)
}

// VersionDir is the directory of one version.
func (r *Registry) VersionDir(version string) string {
	return filepath.Join(r.ArtifactDir(), version)
}

// MetadataPath is the path of the version index.
func (r *Registry) MetadataPath() string {
	return filepath.Join(r.ArtifactDir(), MetadataFile)
}

// Add stores bundle as version (replacing an existing copy of that
// version), writes its POM and regenerates the index.
func (r *Registry) Add(bundle, version string) (*ReleaseMetadata, error) {
	if _, err := safeRelativePath(version); err != nil || strings.ContainsAny(version, `/\`) {
		return nil, fmt.Errorf("%w: invalid version %q", ErrConfig, version)
	}

	dir := r.VersionDir(version)
	if err := resetDir(dir); err != nil {
		return nil, err
	}

	base := r.ArtifactID + "-" + version
	bundlePath := filepath.Join(dir, base+"."+bundleExtension)
	if err := copyFile(bundle, bundlePath); err != nil {
		return nil, fmt.Errorf("failed to copy bundle into registry: %w", err)
	}

	pomPath := filepath.Join(dir, base+".pom")
	if err := r.writePOM(pomPath, version); err != nil {
		return nil, err
	}

	meta, err := r.RegenerateIndex(version)
	if err != nil {
		return nil, err
	}
	meta.BundlePath = bundlePath
	meta.PomPath = pomPath
	return meta, nil
}

// Versions lists the version directory names on disk, in version order.
func (r *Registry) Versions() ([]string, error) {
	entries, err := os.ReadDir(r.ArtifactDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var versions []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			versions = append(versions, e.Name())
		}
	}
	return SortVersions(versions), nil
}

// RegenerateIndex rewrites maven-metadata.xml from the directory listing
// with latest and release set to current, which must exist on disk.
func (r *Registry) RegenerateIndex(current string) (*ReleaseMetadata, error) {
	versions, err := r.Versions()
	if err != nil {
		return nil, fmt.Errorf("failed to list registry versions: %w", err)
	}
	found := false
	for _, v := range versions {
		if v == current {
			found = true
			break
		}
	}
	if !found {
		return nil, missingArtifact("registry version "+current, r.VersionDir(current))
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}

	meta := &ReleaseMetadata{
		GroupID:      r.GroupID,
		ArtifactID:   r.ArtifactID,
		Version:      current,
		Latest:       current,
		Release:      current,
		Versions:     versions,
		LastUpdated:  now().UTC().Truncate(time.Second),
		MetadataPath: r.MetadataPath(),
	}

	doc := mavenMetadata{
		GroupID:    meta.GroupID,
		ArtifactID: meta.ArtifactID,
		Versioning: mavenVersioning{
			Latest:      meta.Latest,
			Release:     meta.Release,
			Versions:    meta.Versions,
			LastUpdated: meta.LastUpdated.Format(metadataTimeLayout),
		},
	}
	if err := writeXML(meta.MetadataPath, doc); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", MetadataFile, err)
	}
	return meta, nil
}

// ReadIndex parses the current maven-metadata.xml.
func (r *Registry) ReadIndex() (*ReleaseMetadata, error) {
	data, err := os.ReadFile(r.MetadataPath())
	if err != nil {
		return nil, err
	}

	var doc mavenMetadata
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", r.MetadataPath(), err)
	}

	meta := &ReleaseMetadata{
		GroupID:      doc.GroupID,
		ArtifactID:   doc.ArtifactID,
		Version:      doc.Versioning.Release,
		Latest:       doc.Versioning.Latest,
		Release:      doc.Versioning.Release,
		Versions:     doc.Versioning.Versions,
		MetadataPath: r.MetadataPath(),
	}
	if doc.Versioning.LastUpdated != "" {
		ts, err := time.Parse(metadataTimeLayout, doc.Versioning.LastUpdated)
		if err != nil {
			return nil, fmt.Errorf("invalid lastUpdated %q: %w", doc.Versioning.LastUpdated, err)
		}
		meta.LastUpdated = ts
	}
	return meta, nil
}

func (r *Registry) writePOM(path, version string) error {
	doc := pomProject{
		Xmlns:          pomNamespace,
		XmlnsXSI:       pomSchemaInstance,
		SchemaLocation: pomSchemaLocation,
		ModelVersion:   pomModelVersion,
		GroupID:        r.GroupID,
		ArtifactID:     r.ArtifactID,
		Version:        version,
		Packaging:      bundlePackagingFormat,
	}
	if err := writeXML(path, doc); err != nil {
		return fmt.Errorf("failed to write pom: %w", err)
	}
	return nil
}

// SortVersions returns versions deduplicated and in ascending semantic
// version order. Names that are not semantic versions sort last, in
// lexical order.
func SortVersions(versions []string) []string {
	seen := make(map[string]struct{}, len(versions))
	out := make([]string, 0, len(versions))
	for _, v := range versions {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := canonicalSemver(out[i]), canonicalSemver(out[j])
		switch {
		case a != "" && b != "":
			if c := semver.Compare(a, b); c != 0 {
				return c < 0
			}
			return out[i] < out[j]
		case a != "":
			return true
		case b != "":
			return false
		default:
			return out[i] < out[j]
		}
	})
	return out
}

// canonicalSemver returns v in the "vX.Y.Z" form semver expects, or ""
// when v is not a semantic version.
func canonicalSemver(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

type mavenMetadata struct {
	XMLName    xml.Name        `xml:"metadata"`
	GroupID    string          `xml:"groupId"`
	ArtifactID string          `xml:"artifactId"`
	Versioning mavenVersioning `xml:"versioning"`
}

type mavenVersioning struct {
	Latest      string   `xml:"latest"`
	Release     string   `xml:"release"`
	Versions    []string `xml:"versions>version"`
	LastUpdated string   `xml:"lastUpdated"`
}

type pomProject struct {
	XMLName        xml.Name `xml:"project"`
	Xmlns          string   `xml:"xmlns,attr"`
	XmlnsXSI       string   `xml:"xmlns:xsi,attr"`
	SchemaLocation string   `xml:"xsi:schemaLocation,attr"`
	ModelVersion   string   `xml:"modelVersion"`
	GroupID        string   `xml:"groupId"`
	ArtifactID     string   `xml:"artifactId"`
	Version        string   `xml:"version"`
	Packaging      string   `xml:"packaging"`
}

func writeXML(path string, doc any) error {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	var buf strings.Builder
	buf.WriteString(xml.Header)
	buf.Write(body)
	buf.WriteString("\n")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(buf.String()), 0o644)
}
