package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"tipledger/crypto"
	"tipledger/storage"
)

const (
	// DefaultPassphraseEnv names the variable consulted for keystore
	// passphrases before prompting.
	DefaultPassphraseEnv = "TIPLEDGER_PASSPHRASE"

	ownerKeystoreName    = "owner.keystore"
	operatorKeystoreName = "operator.keystore"
	engineSeed           = "tipledger/settlement-engine"
)

// Config is the on-disk configuration of a tipledger data directory.
type Config struct {
	DataDir string `toml:"DataDir"`
	// StorageBackend is leveldb or bolt.
	StorageBackend   string `toml:"StorageBackend"`
	Environment      string `toml:"Environment"`
	OwnerKeystore    string `toml:"OwnerKeystore"`
	OperatorKeystore string `toml:"OperatorKeystore"`
	// EngineAddress is the tipsvc address the ledgers accept as operator.
	// Empty derives a fixed address.
	EngineAddress  string `toml:"EngineAddress"`
	StableSymbol   string `toml:"StableSymbol"`
	RewardSymbol   string `toml:"RewardSymbol"`
	ActorsFile     string `toml:"ActorsFile"`
	MetricsAddress string `toml:"MetricsAddress"`
	PassphraseEnv  string `toml:"PassphraseEnv"`

	Settlement Settlement `toml:"settlement"`
	Delegation Delegation `toml:"delegation"`
	Logging    Logging    `toml:"logging"`
	Telemetry  Telemetry  `toml:"telemetry"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default(path)
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
	}
	cfg.applyDefaults(path)
	return cfg, nil
}

// Default returns the configuration written for a fresh data directory next
// to configPath.
func Default(configPath string) *Config {
	cfg := &Config{
		DataDir:        filepath.Join(baseDir(configPath), "data"),
		StorageBackend: storage.BackendLevelDB,
		Environment:    "local",
		StableSymbol:   "TK",
		RewardSymbol:   "TKI",
		MetricsAddress: "",
		PassphraseEnv:  DefaultPassphraseEnv,
		Settlement:     defaultSettlement(),
		Delegation:     Delegation{StoreRatePerMinute: 30, StoreBurst: 10},
		Logging:        Logging{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 5},
		Telemetry:      Telemetry{SampleRatio: 1},
	}
	cfg.applyDefaults(configPath)
	return cfg
}

func (c *Config) applyDefaults(configPath string) {
	if strings.TrimSpace(c.OwnerKeystore) == "" {
		c.OwnerKeystore = filepath.Join(baseDir(configPath), ownerKeystoreName)
	}
	if strings.TrimSpace(c.OperatorKeystore) == "" {
		c.OperatorKeystore = filepath.Join(baseDir(configPath), operatorKeystoreName)
	}
	if strings.TrimSpace(c.PassphraseEnv) == "" {
		c.PassphraseEnv = DefaultPassphraseEnv
	}
	if strings.TrimSpace(c.StorageBackend) == "" {
		c.StorageBackend = storage.BackendLevelDB
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "local"
	}
}

// EnsureKeystores generates the owner and operator keystores when missing,
// encrypting new keys with the passphrase returned by passphrase. It reports
// which keystores were created.
func (c *Config) EnsureKeystores(configPath string, passphrase func() (string, error)) ([]string, error) {
	var created []string
	for _, path := range []string{c.OwnerKeystore, c.OperatorKeystore} {
		made, err := ensureKeystore(path, passphrase)
		if err != nil {
			return created, err
		}
		if made {
			created = append(created, path)
		}
	}
	if len(created) > 0 {
		if err := persist(configPath, c); err != nil {
			return created, err
		}
	}
	return created, nil
}

func ensureKeystore(keystorePath string, passphrase func() (string, error)) (bool, error) {
	if _, err := os.Stat(keystorePath); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	pass, err := passphrase()
	if err != nil {
		return false, err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return false, err
	}
	if err := crypto.SaveToKeystore(keystorePath, key, pass); err != nil {
		return false, err
	}
	return true, nil
}

// OwnerAddress reads the owner address from its keystore header.
func (c *Config) OwnerAddress() ([20]byte, error) {
	return keystoreAddress("owner", c.OwnerKeystore)
}

// OperatorAddress reads the operator address from its keystore header.
func (c *Config) OperatorAddress() ([20]byte, error) {
	return keystoreAddress("operator", c.OperatorKeystore)
}

func keystoreAddress(role, path string) ([20]byte, error) {
	addr, err := crypto.KeystoreAddress(path)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%s keystore %s: %w", role, path, err)
	}
	return addr, nil
}

// Engine resolves the settlement engine address.
func (c *Config) Engine() ([20]byte, error) {
	raw := strings.TrimSpace(c.EngineAddress)
	if raw == "" {
		return DefaultEngineAddress(), nil
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid EngineAddress: %w", err)
	}
	if addr.Prefix() != crypto.ServicePrefix {
		return [20]byte{}, fmt.Errorf("EngineAddress must use the %s prefix", crypto.ServicePrefix)
	}
	return addr.Array(), nil
}

// DefaultEngineAddress derives the engine address used when none is configured.
func DefaultEngineAddress() [20]byte {
	digest := crypto.Keccak256([]byte(engineSeed))
	var out [20]byte
	copy(out[:], digest[12:])
	return out
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	return persist(path, c)
}

func createDefault(path string) (*Config, error) {
	cfg := Default(path)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func baseDir(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		return ""
	}
	return dir
}
