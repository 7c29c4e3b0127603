package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const chainsFileName = "chains.yaml"

var (
	chainNameRegex = regexp.MustCompile(`^[a-z][a-z_]*[a-z0-9]$`)
	// chainIDRegex matches a CAIP-2 chain identifier, e.g. "eip155:1".
	chainIDRegex = regexp.MustCompile(`^[-a-z0-9]{3,8}:[-a-zA-Z0-9]{1,32}$`)
)

// ChainsFile is the root structure of chains.yaml: the static registry of
// chains this router will proxy wallet calls to.
type ChainsFile struct {
	Chains []ChainConfig `yaml:"chains"`
}

// ChainConfig describes one chain's wallet endpoint. WalletURL is populated
// from the environment variable <NAME>_WALLET_URL rather than being stored
// in YAML, since it usually carries a connection secret.
type ChainConfig struct {
	// Name is a short identifier used only to build the env var name, e.g.
	// "ethereum" -> ETHEREUM_WALLET_URL. Lowercase letters and underscores.
	Name string `yaml:"name"`
	// ChainID is the CAIP-2 identifier used on the wire, e.g. "eip155:1".
	ChainID string `yaml:"chain_id"`
	// Disabled chains are parsed but never dialed or registered.
	Disabled bool `yaml:"disabled"`
	// WalletURL is the websocket endpoint of this chain's wallet, resolved
	// from <NAME>_WALLET_URL.
	WalletURL string
}

// LoadChains reads <configDirPath>/chains.yaml, validates it, and resolves
// each enabled chain's wallet URL from the environment. A missing file is
// not an error: it yields an empty registry, useful for tests that register
// wallets programmatically instead.
func LoadChains(configDirPath string) ([]ChainConfig, error) {
	path := filepath.Join(configDirPath, chainsFileName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var file ChainsFile
	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", chainsFileName, err)
	}

	enabled := make([]ChainConfig, 0, len(file.Chains))
	for _, c := range file.Chains {
		if c.Disabled {
			continue
		}
		if !chainNameRegex.MatchString(c.Name) {
			return nil, fmt.Errorf("config: invalid chain name %q, want snake_case", c.Name)
		}
		if !chainIDRegex.MatchString(c.ChainID) {
			return nil, fmt.Errorf("config: invalid chain id %q for chain %q, want CAIP-2 (e.g. eip155:1)", c.ChainID, c.Name)
		}

		envVar := strings.ToUpper(c.Name) + "_WALLET_URL"
		walletURL := os.Getenv(envVar)
		if walletURL == "" {
			return nil, fmt.Errorf("config: missing %s for chain %q", envVar, c.Name)
		}
		c.WalletURL = walletURL
		enabled = append(enabled, c)
	}

	return enabled, nil
}
