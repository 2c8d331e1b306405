package commands

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/schoolgate/internal/app"
)

// envPrefix marks schoolgate variables: SCHOOLGATE_TENANT__HINT is tenant.hint.
const envPrefix = "SCHOOLGATE_"

// layer is one configuration source. Later layers override earlier ones.
type layer struct {
	name string
	load func(k *koanf.Koanf) error
}

// loadConfig merges the TOML file, SCHOOLGATE_ variables and explicitly set
// flags in that order, then fills defaults and validates the result.
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	var layers []layer
	if configPath != "" {
		layers = append(layers, layer{"config file", func(k *koanf.Koanf) error {
			return k.Load(file.Provider(configPath), toml.Parser())
		}})
	}
	layers = append(layers, layer{"environment", func(k *koanf.Koanf) error {
		return k.Load(env.Provider(".", env.Opt{
			Prefix:        envPrefix,
			TransformFunc: envKey,
			EnvironFunc:   environFunc,
		}), nil)
	}})
	if cmd != nil {
		layers = append(layers, layer{"flags", func(k *koanf.Koanf) error {
			return k.Load(confmap.Provider(flagValues(cmd), "."), nil)
		}})
	}

	k := koanf.New(".")
	for _, l := range layers {
		if err := l.load(k); err != nil {
			return nil, fmt.Errorf("loading %s: %w", l.name, err)
		}
	}

	cfg := &app.Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps SCHOOLGATE_STORAGE__REDIS__ADDR to storage.redis.addr.
func envKey(key, value string) (string, any) {
	key = strings.TrimPrefix(key, envPrefix)
	return strings.ToLower(strings.ReplaceAll(key, "__", ".")), value
}

// commandArgs are per-invocation flags, never configuration.
var commandArgs = map[string]bool{
	"config":      true,
	"email":       true,
	"data":        true,
	"as-tenant":   true,
	"no-redirect": true,
	"forget":      true,
}

// flagKey maps --tenant--hint to tenant.hint and --log-level to log_level.
func flagKey(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, "--", "."), "-", "_")
}

// flagValues collects the flags the user set on cmd and its parents. Unset
// flags are left out so their defaults do not mask the file or environment.
func flagValues(cmd *cli.Command) map[string]any {
	values := make(map[string]any)
	for _, name := range cmd.FlagNames() {
		if commandArgs[name] || !cmd.IsSet(name) {
			continue
		}
		if v := cmd.Value(name); v != nil {
			values[flagKey(name)] = v
		}
	}
	return values
}
