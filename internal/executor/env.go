package executor

import (
	"fmt"
	"os"
	"sort"

	"basegraph.app/jobagent/internal/model"
)

// FormatEnv flattens a stage's env list into a map. Keys must be unique.
func FormatEnv(vars []model.EnvVar) (map[string]string, error) {
	env := make(map[string]string, len(vars))
	for _, v := range vars {
		if _, ok := env[v.Key]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEnv, v.Key)
		}
		env[v.Key] = v.Value
	}
	return env, nil
}

// processEnv appends the stage env to the agent's own environment.
func processEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := os.Environ()
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
