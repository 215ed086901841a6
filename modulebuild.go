package bindrelease

import (
	"strings"
)

// ModuleCommand renders the configured module build command for one task.
//
// # Placeholders
//
// Every argument of cfg.Module.Command may contain:
//   - {{dir}} - the module root
//   - {{task}} - the build task (e.g. "assembleRelease")
//   - {{version}} - the release version, empty when unversioned
//
// When no argument mentions {{task}}, the task is appended.
//
// # Example: Gradle wrapper
//
//	module:
//	  command: ["./gradlew", "-p", "{{dir}}", "{{task}}", "-Pversion={{version}}"]
func ModuleCommand(cfg *Config, dir, task string) Command {
	values := map[string]string{
		"{{dir}}":     dir,
		"{{task}}":    task,
		"{{version}}": cfg.Release.Version,
	}

	hasTask := false
	args := make([]string, len(cfg.Module.Command))
	for i, arg := range cfg.Module.Command {
		if strings.Contains(arg, "{{task}}") {
			hasTask = true
		}
		for placeholder, value := range values {
			arg = strings.ReplaceAll(arg, placeholder, value)
		}
		args[i] = arg
	}
	if !hasTask {
		args = append(args, task)
	}

	return Command{
		Name: args[0],
		Args: args[1:],
		Dir:  dir,
		Env:  moduleBuildEnv(cfg),
	}
}

// moduleBuildEnv passes the release identity and registry credentials
// through to the module build's publish tasks.
func moduleBuildEnv(cfg *Config) map[string]string {
	env := map[string]string{}
	if cfg.Release.Version != "" {
		env["VERSION"] = cfg.Release.Version
	}
	if cfg.Release.Actor != "" {
		env["GITHUB_ACTOR"] = cfg.Release.Actor
	}
	if cfg.Release.Token != "" {
		env["GITHUB_TOKEN"] = cfg.Release.Token
	}
	if cfg.Module.Repository != "" {
		env["GITHUB_REPOSITORY"] = cfg.Module.Repository
	}
	return env
}
