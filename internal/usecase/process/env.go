package process

import (
	"maps"
	"os"
	"slices"
	"strings"

	"gemini-bridge/internal/domain"
)

// WorkDirEnv names the ambient default working directory.
const WorkDirEnv = "GEMINI_BRIDGE_WORKDIR"

// Redacted replaces secret values in masked environments.
const Redacted = "***REDACTED***"

// deniedEnv are IDE-integration variables that make the CLI try to attach to
// an editor session it cannot reach from a subprocess.
var deniedEnv = []string{
	"GEMINI_CLI_IDE_SERVER_PORT",
	"GEMINI_CLI_IDE_WORKSPACE_PATH",
	"GEMINI_CLI_IDE_PID",
	"VSCODE_GIT_IPC_HANDLE",
	"VSCODE_GIT_ASKPASS_MAIN",
	"VSCODE_GIT_ASKPASS_NODE",
	"TERM_PROGRAM",
	"TERM_PROGRAM_VERSION",
}

// credentialEnv is dropped from the inherited environment so the CLI uses its
// OAuth login unless a caller passes a key explicitly.
const credentialEnv = "GEMINI_API_KEY"

var sensitiveEnv = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}

// PrepareEnv builds the subprocess environment from the host environment.
func PrepareEnv(custom map[string]domain.EnvValue) map[string]string {
	return prepareEnv(os.Environ(), custom)
}

func prepareEnv(host []string, custom map[string]domain.EnvValue) map[string]string {
	env := make(map[string]string, len(host))
	for _, kv := range host {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}

	for _, k := range deniedEnv {
		delete(env, k)
	}
	delete(env, credentialEnv)

	// Overrides come last so callers can re-enable a denied variable.
	for k, v := range custom {
		if v.IsUnset() {
			delete(env, k)
			continue
		}
		env[k] = v.Value
	}
	return env
}

// MaskSensitive returns env unchanged when it holds no secrets, otherwise a
// copy with secret values redacted. The input is never modified.
func MaskSensitive(env map[string]string) map[string]string {
	hit := false
	for _, k := range sensitiveEnv {
		if v, ok := env[k]; ok && v != Redacted {
			hit = true
			break
		}
	}
	if !hit {
		return env
	}

	masked := maps.Clone(env)
	for _, k := range sensitiveEnv {
		if _, ok := masked[k]; ok {
			masked[k] = Redacted
		}
	}
	return masked
}

// ResolveWorkDir picks the first non-empty of requested, envDefault,
// $GEMINI_BRIDGE_WORKDIR and the current directory.
func ResolveWorkDir(requested, envDefault string) string {
	if requested != "" {
		return requested
	}
	if envDefault != "" {
		return envDefault
	}
	if v := os.Getenv(WorkDirEnv); v != "" {
		return v
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// EnvSlice renders env as sorted KEY=VALUE pairs for exec.Cmd.Env.
func EnvSlice(env map[string]string) []string {
	keys := slices.Sorted(maps.Keys(env))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
