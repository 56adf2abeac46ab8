package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the merged mux configuration.
type Config struct {
	Schema string `json:"$schema,omitempty" yaml:"schema,omitempty"`

	// Model is the default "provider/model" reference.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// SmallModel is used for cheap internal calls like summarization.
	SmallModel string `json:"smallModel,omitempty" yaml:"smallModel,omitempty"`

	Username string `json:"username,omitempty" yaml:"username,omitempty"`

	// DataDir overrides the default state directory.
	DataDir string `json:"dataDir,omitempty" yaml:"dataDir,omitempty"`

	Provider map[string]ProviderConfig `json:"provider,omitempty" yaml:"provider,omitempty"`

	// Tools enables or disables individual tools by ID.
	Tools map[string]bool `json:"tools,omitempty" yaml:"tools,omitempty"`

	Instructions []string `json:"instructions,omitempty" yaml:"instructions,omitempty"`

	Log     LogConfig     `json:"log,omitempty" yaml:"log,omitempty"`
	Stream  StreamConfig  `json:"stream,omitempty" yaml:"stream,omitempty"`
	Process ProcessConfig `json:"process,omitempty" yaml:"process,omitempty"`
	Server  ServerConfig  `json:"server,omitempty" yaml:"server,omitempty"`
}

// ProviderConfig configures one LLM backend.
type ProviderConfig struct {
	APIKey   string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL  string `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
	Pretty bool   `json:"pretty,omitempty" yaml:"pretty,omitempty"`
}

// StreamConfig tunes the stream engine.
type StreamConfig struct {
	FlushIntervalMs  int      `json:"flushIntervalMs,omitempty" yaml:"flushIntervalMs,omitempty"`
	FlushBytes       int      `json:"flushBytes,omitempty" yaml:"flushBytes,omitempty"`
	MaxSteps         int      `json:"maxSteps,omitempty" yaml:"maxSteps,omitempty"`
	MaxContextTokens int      `json:"maxContextTokens,omitempty" yaml:"maxContextTokens,omitempty"`
	RepetitionModels []string `json:"repetitionModels,omitempty" yaml:"repetitionModels,omitempty"`
}

// ProcessConfig tunes background process supervision.
type ProcessConfig struct {
	BufferLines int `json:"bufferLines,omitempty" yaml:"bufferLines,omitempty"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`
}

// Load merges configuration from all sources, lowest priority first:
//  1. Global config (~/.config/mux/mux.{json,jsonc,yaml,yml})
//  2. Project config (<dir>/mux.{json,jsonc,yaml,yml} and <dir>/.mux/)
//  3. MUX_CONFIG file override
//  4. MUX_CONFIG_CONTENT inline JSON
//  5. Environment variables
//
// A project .env file is loaded into the environment first, so secrets can
// live next to the project without being committed.
func Load(directory string) (*Config, error) {
	if directory != "" {
		godotenv.Load(filepath.Join(directory, ".env"))
	}

	config := &Config{Provider: make(map[string]ProviderConfig)}
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

	loadDir := func(dir string) {
		for _, name := range []string{"mux.json", "mux.jsonc", "mux.yaml", "mux.yml"} {
			loadOnce(filepath.Join(dir, name), dir)
		}
	}

	loadDir(GetPaths().Config)
	if directory != "" {
		loadDir(directory)
		loadDir(filepath.Join(directory, ".mux"))
	}

	if path := os.Getenv("MUX_CONFIG"); path != "" {
		loadOnce(path, filepath.Dir(path))
	}

	if content := os.Getenv("MUX_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal([]byte(content), &inline); err == nil {
			merge(config, &inline)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// loadFile parses one config file into config. JSON files get comment
// stripping and placeholder interpolation; YAML files are parsed as-is.
func loadFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fileConfig Config
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	default:
		data = jsonc.ToJSON(data)
		data = interpolate(data, baseDir)
		if err := json.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	}

	merge(config, &fileConfig)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate expands {env:VAR} and {file:path} placeholders.
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
		escaped := strings.ReplaceAll(string(content), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")
		return escaped
	})

	return []byte(str)
}

// merge overlays source onto target. Scalars replace when set; maps merge
// key-wise; instructions append.
func merge(target, source *Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.SmallModel != "" {
		target.SmallModel = source.SmallModel
	}
	if source.Username != "" {
		target.Username = source.Username
	}
	if source.DataDir != "" {
		target.DataDir = source.DataDir
	}

	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}
	if source.Tools != nil {
		if target.Tools == nil {
			target.Tools = make(map[string]bool)
		}
		for k, v := range source.Tools {
			target.Tools[k] = v
		}
	}
	if len(source.Instructions) > 0 {
		target.Instructions = append(target.Instructions, source.Instructions...)
	}

	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.File != "" {
		target.Log.File = source.Log.File
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}

	if source.Stream.FlushIntervalMs > 0 {
		target.Stream.FlushIntervalMs = source.Stream.FlushIntervalMs
	}
	if source.Stream.FlushBytes > 0 {
		target.Stream.FlushBytes = source.Stream.FlushBytes
	}
	if source.Stream.MaxSteps > 0 {
		target.Stream.MaxSteps = source.Stream.MaxSteps
	}
	if source.Stream.MaxContextTokens > 0 {
		target.Stream.MaxContextTokens = source.Stream.MaxContextTokens
	}
	if source.Stream.RepetitionModels != nil {
		target.Stream.RepetitionModels = source.Stream.RepetitionModels
	}

	if source.Process.BufferLines > 0 {
		target.Process.BufferLines = source.Process.BufferLines
	}

	if source.Server.Host != "" {
		target.Server.Host = source.Server.Host
	}
	if source.Server.Port > 0 {
		target.Server.Port = source.Server.Port
	}
}

// applyEnvOverrides applies environment variables, the highest-priority
// source.
func applyEnvOverrides(config *Config) {
	providerEnv := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"ark":       "ARK_API_KEY",
	}
	for name, envVar := range providerEnv {
		key := os.Getenv(envVar)
		if key == "" {
			continue
		}
		p := config.Provider[name]
		if p.APIKey == "" {
			p.APIKey = key
			config.Provider[name] = p
		}
	}

	if model := os.Getenv("MUX_MODEL"); model != "" {
		config.Model = model
	}
	if small := os.Getenv("MUX_SMALL_MODEL"); small != "" {
		config.SmallModel = small
	}
	if level := os.Getenv("MUX_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if dir := os.Getenv("MUX_DATA_DIR"); dir != "" {
		config.DataDir = dir
	}
}

// StorageDir returns the directory history and state are persisted under.
func (c *Config) StorageDir() string {
	if c.DataDir != "" {
		return filepath.Join(c.DataDir, "storage")
	}
	return GetPaths().StoragePath()
}
