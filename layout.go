package bindrelease

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/template"
)

//go:embed templates/*.tmpl
var builtinTemplates embed.FS

// moduleDescriptors maps template names to their path inside the module.
var moduleDescriptors = []struct {
	template string
	path     string
}{
	{"settings.gradle.kts.tmpl", "settings.gradle.kts"},
	{"build.gradle.kts.tmpl", "build.gradle.kts"},
	{"gradle.properties.tmpl", "gradle.properties"},
	{"AndroidManifest.xml.tmpl", "src/main/AndroidManifest.xml"},
	{"consumer-rules.pro.tmpl", "consumer-rules.pro"},
}

// unversionedVersion is rendered into descriptors when no release version
// is configured.
const unversionedVersion = "0.0.0-SNAPSHOT"

// ModuleLayout describes the Android library module tree before it is
// written to disk.
//
// Descriptors are keyed by slash-separated paths relative to Root. Libraries
// maps each packaged ABI to the shared library copied into
// JniLibsDir/<abi>/. The layout is rebuilt on every run.
type ModuleLayout struct {
	Root        string
	SourceDir   string
	JniLibsDir  string
	GlueDir     string
	Descriptors map[string][]byte
	Libraries   map[string]string
}

// moduleTemplateData is the data available to descriptor templates.
type moduleTemplateData struct {
	Name       string
	Namespace  string
	GroupID    string
	ArtifactID string
	Version    string
	Repository string
	LibName    string
	MinSDK     int
	CompileSDK int
	ABIs       []string
}

// NewModuleLayout describes the module for the glue sources and the
// successfully built targets of run.
func NewModuleLayout(run *Run, libName string) (*ModuleLayout, error) {
	cfg := run.Config
	root := cfg.ModuleDir()

	layout := &ModuleLayout{
		Root:        root,
		SourceDir:   filepath.Join(root, "src", "main", "kotlin"),
		JniLibsDir:  filepath.Join(root, "src", "main", "jniLibs"),
		GlueDir:     run.GlueDir,
		Descriptors: make(map[string][]byte, len(moduleDescriptors)),
		Libraries:   make(map[string]string),
	}

	for _, result := range run.SucceededTargets() {
		layout.Libraries[result.Target.ABI] = result.Artifact.Path
	}
	if len(layout.Libraries) == 0 {
		return nil, missingArtifact("cross-compiled libraries", cfg.JniLibsDir())
	}

	version := cfg.Release.Version
	if version == "" {
		version = unversionedVersion
	}
	data := moduleTemplateData{
		Name:       cfg.Module.Name,
		Namespace:  cfg.Module.Namespace,
		GroupID:    cfg.Release.GroupID,
		ArtifactID: cfg.Release.ArtifactID,
		Version:    version,
		Repository: cfg.Module.Repository,
		LibName:    libName,
		MinSDK:     cfg.Module.MinSDK,
		CompileSDK: cfg.Module.CompileSDK,
		ABIs:       layout.ABIs(),
	}

	for _, d := range moduleDescriptors {
		tmpl, err := loadTemplate(cfg.Module.TemplatesDir, d.template)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", d.template, err)
		}
		layout.Descriptors[d.path] = buf.Bytes()
	}

	return layout, nil
}

// loadTemplate parses name from dir when it exists there, else the
// built-in copy.
func loadTemplate(dir, name string) (*template.Template, error) {
	if dir != "" {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			tmpl, err := template.New(name).Option("missingkey=error").ParseFiles(path)
			if err != nil {
				return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
			}
			return tmpl, nil
		}
	}

	tmpl, err := template.New(name).Option("missingkey=error").ParseFS(builtinTemplates, "templates/"+name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse built-in template %s: %w", name, err)
	}
	return tmpl, nil
}

// ABIs returns the packaged ABIs, sorted.
func (l *ModuleLayout) ABIs() []string {
	abis := make([]string, 0, len(l.Libraries))
	for abi := range l.Libraries {
		abis = append(abis, abi)
	}
	sort.Strings(abis)
	return abis
}

// Materialize clears Root and writes the module: descriptors, the glue
// source tree and one library per ABI.
func (l *ModuleLayout) Materialize() error {
	if err := resetDir(l.Root); err != nil {
		return err
	}

	paths := make([]string, 0, len(l.Descriptors))
	for p := range l.Descriptors {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		rel, err := safeRelativePath(p)
		if err != nil {
			return err
		}
		dest := filepath.Join(l.Root, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, l.Descriptors[p], 0o644); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(l.SourceDir, 0o755); err != nil {
		return err
	}
	if l.GlueDir != "" {
		if err := copyTree(l.GlueDir, l.SourceDir); err != nil {
			return fmt.Errorf("failed to copy glue sources: %w", err)
		}
	}

	for _, abi := range l.ABIs() {
		src := l.Libraries[abi]
		if err := copyFile(src, filepath.Join(l.JniLibsDir, abi, filepath.Base(src))); err != nil {
			return fmt.Errorf("failed to copy library for %s: %w", abi, err)
		}
	}
	return nil
}
