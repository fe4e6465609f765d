package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/blackcoderx/amsdk/pkg/transport"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// varPattern matches {{VAR_NAME}} or {{env:VAR_NAME}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// LoadEnvironment reads environments/<name>.yaml. {{env:VAR}} references in values are
// resolved against the process environment.
func (s *Store) LoadEnvironment(name string) (*Environment, error) {
	data, err := afero.ReadFile(s.fs, yamlPath(s.EnvironmentsDir(), name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("environment %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read environment file: %w", err)
	}

	vars := map[string]string{}
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("failed to parse environment YAML: %w", err)
	}
	for key, value := range vars {
		vars[key] = resolveEnvRefs(value)
	}
	return &Environment{Name: name, Variables: vars}, nil
}

// SaveEnvironment writes env to environments/<name>.yaml.
func (s *Store) SaveEnvironment(env Environment) error {
	if env.Name == "" {
		return errors.New("environment needs a name")
	}
	if err := s.fs.MkdirAll(s.EnvironmentsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := yaml.Marshal(env.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal environment: %w", err)
	}
	return afero.WriteFile(s.fs, yamlPath(s.EnvironmentsDir(), env.Name), data, 0644)
}

// ListEnvironments returns the environment names, sorted.
func (s *Store) ListEnvironments() ([]string, error) {
	dir := s.EnvironmentsDir()
	ok, err := afero.DirExists(s.fs, dir)
	if err != nil || !ok {
		return []string{}, err
	}

	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read environments directory: %w", err)
	}
	var envs []string
	for _, entry := range entries {
		if !entry.IsDir() && (strings.HasSuffix(entry.Name(), ".yaml") || strings.HasSuffix(entry.Name(), ".yml")) {
			envs = append(envs, strings.TrimSuffix(strings.TrimSuffix(entry.Name(), ".yaml"), ".yml"))
		}
	}
	sort.Strings(envs)
	return envs, nil
}

// SubstituteVariables replaces {{VAR}} placeholders with values from vars. Unknown
// placeholders are left as they are.
func SubstituteVariables(text string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])

		if sysVar, ok := strings.CutPrefix(name, "env:"); ok {
			if val := os.Getenv(sysVar); val != "" {
				return val
			}
			return match
		}
		if val, ok := vars[name]; ok {
			return val
		}
		return match
	})
}

// Apply returns a copy of call with every string value substituted from env. A nil env
// only resolves {{env:VAR}} references.
func (c *SavedCall) Apply(env *Environment) *SavedCall {
	var vars map[string]string
	if env != nil {
		vars = env.Variables
	}
	sub := func(m map[string]string) map[string]string {
		if m == nil {
			return nil
		}
		out := make(map[string]string, len(m))
		for k, v := range m {
			out[k] = SubstituteVariables(v, vars)
		}
		return out
	}

	applied := *c
	applied.Path = SubstituteVariables(c.Path, vars)
	applied.Headers = sub(c.Headers)
	applied.Query = sub(c.Query)
	applied.Attachments = sub(c.Attachments)
	applied.Download = SubstituteVariables(c.Download, vars)
	applied.Body = substituteValue(c.Body, vars)
	return &applied
}

func substituteValue(v any, vars map[string]string) any {
	switch t := v.(type) {
	case string:
		return SubstituteVariables(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = substituteValue(val, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = substituteValue(val, vars)
		}
		return out
	default:
		return v
	}
}

// QueryParams returns the query values in key order.
func (c *SavedCall) QueryParams() *transport.RequestParams {
	if len(c.Query) == 0 {
		return nil
	}
	return transport.ParamsFromMap(c.Query)
}

// BodyParams converts the body mapping into request parameters on fsys. Scalar values
// are sent as strings; nested mappings and lists are sent as JSON.
func (c *SavedCall) BodyParams(fsys afero.Fs) (*transport.RequestParams, error) {
	if c.Body == nil {
		return nil, nil
	}
	fields, ok := c.Body.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("saved call %q: body must be a mapping", c.Name)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := transport.NewRequestParamsFs(fsys)
	for _, k := range keys {
		switch v := fields[k].(type) {
		case string:
			params.Put(k, v)
		case nil:
			params.Put(k, "")
		case map[string]any, []any:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("saved call %q: field %s: %w", c.Name, k, err)
			}
			params.Put(k, string(data))
		default:
			params.Put(k, fmt.Sprint(v))
		}
	}
	return params, nil
}

// resolveEnvRefs resolves {{env:VAR}} references in a string
func resolveEnvRefs(text string) string {
	return varPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if sysVar, ok := strings.CutPrefix(name, "env:"); ok {
			if val := os.Getenv(sysVar); val != "" {
				return val
			}
		}
		return match
	})
}
