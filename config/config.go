// Package config holds the settings consumed by the RPC server.
//
// Settings are read from an optional YAML file, completed with defaults and
// then overridden by MODERNRPC_* environment variables, which may themselves
// come from .env files (see LoadEnv).
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/imdario/mergo"
	"github.com/joho/godotenv"
	"github.com/mnehpets/modernrpc/codec"
	"github.com/mnehpets/modernrpc/fault"
	"github.com/nuclio/errors"
	"gopkg.in/yaml.v3"
)

// Protocol names accepted in Protocols.
const (
	ProtocolJSONRPC = "jsonrpc"
	ProtocolXMLRPC  = "xmlrpc"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MODERNRPC_"

type JSON struct {
	ContentTypes []string `yaml:"contentTypes,omitempty"`
}

type XML struct {
	// AllowNone enables the <nil/> extension for null values.
	AllowNone    bool     `yaml:"allowNone,omitempty"`
	ContentTypes []string `yaml:"contentTypes,omitempty"`
}

// CORS lists the browser origins allowed to call the RPC endpoint.
// Cross origin calls are refused while AllowedOrigins is empty.
type CORS struct {
	AllowedOrigins   []string `yaml:"allowedOrigins,omitempty"`
	AllowCredentials bool     `yaml:"allowCredentials,omitempty"`
	MaxAge           int      `yaml:"maxAge,omitempty"`
}

type Config struct {
	// Encoding is the charset of XML-RPC responses.
	Encoding string `yaml:"encoding,omitempty"`
	// Protocols lists the enabled handlers in content type matching order.
	Protocols []string `yaml:"protocols,omitempty"`
	// JSONBackend selects the JSON codec: "std" or "jsoniter".
	JSONBackend string `yaml:"jsonBackend,omitempty"`
	JSON        JSON   `yaml:"json,omitempty"`
	XML         XML    `yaml:"xml,omitempty"`
	// DocFormat is a hint for documentation renderers. The server ignores it.
	DocFormat     string `yaml:"docFormat,omitempty"`
	LogExceptions *bool  `yaml:"logExceptions,omitempty"`
	// Debug exposes internal error details to callers.
	Debug bool `yaml:"debug,omitempty"`
	// ConcurrentBatch runs JSON-RPC batch elements and multicall entries concurrently.
	ConcurrentBatch  bool `yaml:"concurrentBatch,omitempty"`
	BatchConcurrency int  `yaml:"batchConcurrency,omitempty"`
	// AuthFaultCode is returned when an auth predicate rejects the caller.
	AuthFaultCode int    `yaml:"authFaultCode,omitempty"`
	Listen        string `yaml:"listen,omitempty"`
	CORS          CORS   `yaml:"cors,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	trueValue := true

	return &Config{
		Encoding:      "utf-8",
		Protocols:     []string{ProtocolJSONRPC, ProtocolXMLRPC},
		JSONBackend:   codec.JSONStd,
		JSON:          JSON{ContentTypes: []string{"application/json", "application/json-rpc", "application/jsonrequest"}},
		XML:           XML{ContentTypes: []string{"text/xml", "application/xml"}},
		DocFormat:     "markdown",
		LogExceptions: &trueValue,
		AuthFaultCode: fault.CodeAuthDenied,
		Listen:        ":8080",
	}
}

// Load reads the YAML file at path, fills unset fields with defaults, applies
// environment overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "Failed to read configuration file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "Failed to parse configuration file %s", path)
		}
	}

	// mergo dereferences pointers and would replace an explicit false
	defaults := Default()
	logExceptions := defaults.LogExceptions
	defaults.LogExceptions = nil
	if err := mergo.Merge(cfg, defaults); err != nil {
		return nil, errors.Wrap(err, "Failed to merge default configuration")
	}
	if cfg.LogExceptions == nil {
		cfg.LogExceptions = logExceptions
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, errors.Wrap(err, "Failed to apply environment overrides")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "Invalid configuration")
	}
	return cfg, nil
}

// LoadEnv loads .env files into the process environment. Variables that are
// already set win. Missing files are an error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return errors.Wrap(err, "Failed to load env files")
	}
	return nil
}

// ApplyEnv overrides fields from MODERNRPC_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := lookupEnv("ENCODING"); ok {
		c.Encoding = v
	}
	if v, ok := lookupEnv("PROTOCOLS"); ok {
		c.Protocols = splitList(v)
	}
	if v, ok := lookupEnv("JSON_BACKEND"); ok {
		c.JSONBackend = v
	}
	if v, ok := lookupEnv("DOC_FORMAT"); ok {
		c.DocFormat = v
	}
	if v, ok := lookupEnv("LISTEN"); ok {
		c.Listen = v
	}
	if v, ok := lookupEnv("CORS_ORIGINS"); ok {
		c.CORS.AllowedOrigins = splitList(v)
	}

	for name, target := range map[string]*bool{
		"DEBUG":            &c.Debug,
		"CONCURRENT_BATCH": &c.ConcurrentBatch,
		"XML_ALLOW_NONE":   &c.XML.AllowNone,
	} {
		if v, ok := lookupEnv(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return errors.Wrapf(err, "Invalid %s%s", EnvPrefix, name)
			}
			*target = b
		}
	}
	if v, ok := lookupEnv("LOG_EXCEPTIONS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "Invalid %sLOG_EXCEPTIONS", EnvPrefix)
		}
		c.LogExceptions = &b
	}

	for name, target := range map[string]*int{
		"BATCH_CONCURRENCY": &c.BatchConcurrency,
		"AUTH_FAULT_CODE":   &c.AuthFaultCode,
		"CORS_MAX_AGE":      &c.CORS.MaxAge,
	} {
		if v, ok := lookupEnv(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "Invalid %s%s", EnvPrefix, name)
			}
			*target = n
		}
	}
	return nil
}

// Validate rejects unknown protocol and backend names.
func (c *Config) Validate() error {
	if len(c.Protocols) == 0 {
		return errors.New("At least one protocol must be enabled")
	}
	seen := map[string]bool{}
	for _, p := range c.Protocols {
		if p != ProtocolJSONRPC && p != ProtocolXMLRPC {
			return errors.Errorf("Unknown protocol %q", p)
		}
		if seen[p] {
			return errors.Errorf("Protocol %q enabled twice", p)
		}
		seen[p] = true
	}
	if _, err := codec.NewJSON(c.JSONBackend); err != nil {
		return err
	}
	if c.BatchConcurrency < 0 {
		return errors.New("batchConcurrency must not be negative")
	}
	if c.CORS.MaxAge < 0 {
		return errors.New("cors.maxAge must not be negative")
	}
	if c.AuthFaultCode == 0 {
		return errors.New("authFaultCode must not be 0")
	}
	return nil
}

// ShouldLogExceptions reports whether internal errors are logged. Default true.
func (c *Config) ShouldLogExceptions() bool {
	return c.LogExceptions == nil || *c.LogExceptions
}

func lookupEnv(name string) (string, bool) {
	return os.LookupEnv(EnvPrefix + name)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
