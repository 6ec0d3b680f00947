// Package config resolves the crawler's effective configuration from
// CLI flags with environment-variable fallback, layering viper defaults
// under a typed config struct. CLI flags win over env vars when both
// are set.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultPort is applied to a seed address with no explicit port.
const DefaultPort = 18111

var validNetworks = map[string]bool{
	"spectre-mainnet": true,
	"spectre-testnet": true,
	"spectre-devnet":  true,
}

// Config is the fully-resolved set of knobs the driver needs.
type Config struct {
	SeedAddr  string
	Network   string
	Output    string
	APIKey    string
	Verbosity int // 0=warn, 1=info, 2=debug
}

func init() {
	viper.SetDefault("addr", "n-mainnet.spectre.ws:18111")
	viper.SetDefault("network", "spectre-mainnet")
	viper.SetDefault("output", "data/nodes.json")
	viper.SetDefault("api_key", "")
	viper.SetDefault("verbose", 1)

	_ = viper.BindEnv("addr", "SEED_NODE")
	_ = viper.BindEnv("api_key", "IPGEOLOCATION_API_KEY")
	_ = viper.BindEnv("verbose", "VERBOSE")
}

// Load parses args (excluding the program name) and merges them over
// the environment-derived defaults bound in init(), returning the
// resolved Config or a flag-parsing or validation error.
func Load(args []string) (Config, error) {
	fs := pflag.NewFlagSet("spectre-crawler", pflag.ContinueOnError)
	addr := fs.String("addr", "", "start ip:port for crawling")
	network := fs.String("network", "", "which network to connect to (spectre-mainnet, spectre-testnet, spectre-devnet)")
	output := fs.String("output", "", "output json path")
	apiKey := fs.String("api_key", "", "API key for ipgeolocation.io")
	verbose := fs.CountP("verbose", "v", "verbosity level (repeatable)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := viper.BindPFlags(fs); err != nil {
		return Config{}, err
	}

	cfg := Config{
		SeedAddr:  viper.GetString("addr"),
		Network:   viper.GetString("network"),
		Output:    viper.GetString("output"),
		APIKey:    viper.GetString("api_key"),
		Verbosity: viper.GetInt("verbose"),
	}

	// A non-zero -v count ("-v -v") wins; with the flag absent the count
	// is 0 and the VERBOSE value resolved by viper stands.
	if *verbose > 0 {
		cfg.Verbosity = *verbose
	}
	if fs.Changed("addr") {
		cfg.SeedAddr = *addr
	}
	if fs.Changed("network") {
		cfg.Network = *network
	}
	if fs.Changed("output") {
		cfg.Output = *output
	}
	if fs.Changed("api_key") {
		cfg.APIKey = *apiKey
	}

	if cfg.Verbosity > 2 {
		cfg.Verbosity = 2
	}
	if cfg.Verbosity < 0 {
		cfg.Verbosity = 0
	}

	return cfg, cfg.Validate()
}

// Validate checks the driver-fatal preconditions: a recognized network
// name, a non-empty seed address and a writable output path. The driver
// exits non-zero on any error it returns.
func (c Config) Validate() error {
	if !validNetworks[c.Network] {
		return fmt.Errorf("config: invalid --network %q", c.Network)
	}
	if c.SeedAddr == "" {
		return fmt.Errorf("config: no seed address given (SEED_NODE or --addr)")
	}
	return checkWritable(c.Output)
}

func checkWritable(path string) error {
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return fmt.Errorf("config: output path %q is a directory", path)
		}
		f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("config: output path %q is not writable: %w", path, err)
		}
		return f.Close()
	}
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("config: output directory %q does not exist", dir)
	}
	probe := filepath.Join(dir, ".write-probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("config: output directory %q is not writable: %w", dir, err)
	}
	f.Close()
	os.Remove(probe)
	return nil
}
