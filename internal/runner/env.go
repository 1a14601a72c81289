package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// baseEnvAllowlist enumerates the only ambient environment variables passed
// to spawned provider CLIs. Provider-specific credential keys are added on
// top; the full ambient environment is never propagated.
var baseEnvAllowlist = []string{
	"PATH",
	"HOME",
	"USER",
	"SHELL",
	"TERM",
	"LANG",
	"LC_ALL",
	"NODE_PATH",
	"XDG_CONFIG_HOME",
}

// buildEnv assembles the child environment from the allowlist, the given
// credential keys, and explicit extra assignments.
func buildEnv(credentialKeys []string, extra map[string]string) []string {
	env := make([]string, 0, len(baseEnvAllowlist)+len(credentialKeys)+len(extra))
	for _, key := range baseEnvAllowlist {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	for _, key := range credentialKeys {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	for key, value := range extra {
		env = append(env, key+"="+value)
	}
	return env
}

// sessionWorkDir resolves and creates the working directory for a project
// scoped execution: (temp-dir)/(sessionSubdir)/(projectID). The resolved
// path must lie strictly within the session base even if a traversal
// sequence slipped past protocol validation.
func sessionWorkDir(sessionSubdir, projectID string) (string, error) {
	base := filepath.Join(os.TempDir(), sessionSubdir)
	dir := filepath.Join(base, projectID)
	rel, err := filepath.Rel(base, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid project directory: %s", projectID)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create project directory: %w", err)
	}
	return dir, nil
}
