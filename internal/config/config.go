// Package config loads kiln configuration from jsonc files and the
// environment.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/kiln-ai/kiln/pkg/types"
)

// ProviderConfig configures one model provider.
type ProviderConfig struct {
	APIKey   string `json:"apiKey,omitempty"`
	BaseURL  string `json:"baseUrl,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// AgentConfig overlays a named agent. Zero fields keep the built-in's value.
type AgentConfig struct {
	Description string                 `json:"description,omitempty"`
	Mode        string                 `json:"mode,omitempty"`
	Prompt      string                 `json:"prompt,omitempty"`
	Permission  []types.PermissionRule `json:"permission,omitempty"`
	Tools       map[string]bool        `json:"tools,omitempty"`
	Steps       int                    `json:"steps,omitempty"`
	Model       string                 `json:"model,omitempty"` // "providerID/modelID"
	Temperature *float64               `json:"temperature,omitempty"`
	NoCascade   bool                   `json:"noCascade,omitempty"`
}

// Config is the merged configuration.
type Config struct {
	Schema       string                    `json:"$schema,omitempty"`
	Model        string                    `json:"model,omitempty"` // default "providerID/modelID"
	Instructions []string                  `json:"instructions,omitempty"`
	Permission   []types.PermissionRule    `json:"permission,omitempty"`
	Provider     map[string]ProviderConfig `json:"provider,omitempty"`
	Agent        map[string]AgentConfig    `json:"agent,omitempty"`
	MaxRetries   int                       `json:"maxRetries,omitempty"`
}

// Load merges configuration sources in priority order: global config
// (~/.config/kiln), project config (kiln.json[c] in the workspace or its
// .kiln/ directory), a KILN_CONFIG file, KILN_CONFIG_CONTENT inline JSON,
// then environment variables.
func Load(directory string) (*Config, error) {
	config := &Config{
		Provider: make(map[string]ProviderConfig),
		Agent:    make(map[string]AgentConfig),
	}

	loaded := make(map[string]bool)
	loadOnce := func(path, baseDir string) {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return
		}
		if loadFile(path, config, baseDir) == nil {
			loaded[abs] = true
		}
	}

	globalDir := GetPaths().Config
	loadOnce(filepath.Join(globalDir, "kiln.json"), globalDir)
	loadOnce(filepath.Join(globalDir, "kiln.jsonc"), globalDir)

	if directory != "" {
		projectDir := filepath.Join(directory, ".kiln")
		loadOnce(filepath.Join(directory, "kiln.json"), directory)
		loadOnce(filepath.Join(directory, "kiln.jsonc"), directory)
		loadOnce(filepath.Join(projectDir, "kiln.json"), projectDir)
		loadOnce(filepath.Join(projectDir, "kiln.jsonc"), projectDir)
	}

	if path := os.Getenv("KILN_CONFIG"); path != "" {
		loadOnce(path, filepath.Dir(path))
	}

	if content := os.Getenv("KILN_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal([]byte(content), &inline); err == nil {
			merge(config, &inline)
		}
	}

	applyEnv(config)
	return config, nil
}

// Files returns the config file paths Load would consult for a workspace,
// whether or not they exist. The watcher uses this set.
func Files(directory string) []string {
	globalDir := GetPaths().Config
	out := []string{
		filepath.Join(globalDir, "kiln.json"),
		filepath.Join(globalDir, "kiln.jsonc"),
	}
	if directory != "" {
		out = append(out,
			filepath.Join(directory, "kiln.json"),
			filepath.Join(directory, "kiln.jsonc"),
			filepath.Join(directory, ".kiln", "kiln.json"),
			filepath.Join(directory, ".kiln", "kiln.jsonc"),
		)
	}
	if path := os.Getenv("KILN_CONFIG"); path != "" {
		out = append(out, path)
	}
	return out
}

func loadFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var file Config
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	merge(config, &file)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate resolves {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		path := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(path, "~/") {
			path = filepath.Join(os.Getenv("HOME"), path[2:])
		} else if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return match
		}
		return escapeJSON(string(content))
	})

	return []byte(str)
}

func escapeJSON(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return s
}

func merge(target, source *Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.MaxRetries != 0 {
		target.MaxRetries = source.MaxRetries
	}
	if len(source.Instructions) > 0 {
		target.Instructions = append(target.Instructions, source.Instructions...)
	}
	if source.Permission != nil {
		target.Permission = source.Permission
	}
	for k, v := range source.Provider {
		if target.Provider == nil {
			target.Provider = make(map[string]ProviderConfig)
		}
		target.Provider[k] = v
	}
	for k, v := range source.Agent {
		if target.Agent == nil {
			target.Agent = make(map[string]AgentConfig)
		}
		target.Agent[k] = v
	}
}

func applyEnv(config *Config) {
	providerEnv := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	for providerID, envVar := range providerEnv {
		key := os.Getenv(envVar)
		if key == "" {
			continue
		}
		if config.Provider == nil {
			config.Provider = make(map[string]ProviderConfig)
		}
		p := config.Provider[providerID]
		if p.APIKey == "" {
			p.APIKey = key
			config.Provider[providerID] = p
		}
	}

	if model := os.Getenv("KILN_MODEL"); model != "" {
		config.Model = model
	}

	if rules := os.Getenv("KILN_PERMISSION"); rules != "" {
		var parsed []types.PermissionRule
		if err := json.Unmarshal([]byte(rules), &parsed); err == nil {
			config.Permission = parsed
		}
	}
}

// ParseModel splits a "providerID/modelID" reference. Model IDs may contain
// slashes; only the first separates the provider.
func ParseModel(s string) types.ModelRef {
	providerID, modelID, ok := strings.Cut(s, "/")
	if !ok {
		return types.ModelRef{ModelID: s}
	}
	return types.ModelRef{ProviderID: providerID, ModelID: modelID}
}
