package mendoza

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/mendozawallet/mendoza/backup"
	"github.com/mendozawallet/mendoza/blockcache"
	"github.com/mendozawallet/mendoza/build"
	"github.com/mendozawallet/mendoza/ledger"
	"github.com/mendozawallet/mendoza/walletcrypt"
)

const (
	defaultConfigFilename    = "mendoza.conf"
	defaultDataDirname       = "data"
	defaultLogDirname        = "logs"
	defaultLogFilename       = "mendoza.log"
	defaultBlockCacheDirname = "blockcache"
	defaultWalletFilename    = "mendoza" + backup.WalletExt
	defaultLogLevel          = "info"
	defaultNetwork           = "mainnet"
)

var (
	// DefaultAppDir is the default directory holding the configuration
	// file, the wallets and the logs.
	DefaultAppDir = btcutil.AppDataDir("mendoza", false)

	// DefaultConfigFile is the default full path of the configuration
	// file.
	DefaultConfigFile = filepath.Join(DefaultAppDir, defaultConfigFilename)

	defaultDataDir = filepath.Join(DefaultAppDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultAppDir, defaultLogDirname)
)

// Config defines the configuration options for mendoza.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:lll
type Config struct {
	AppDir     string `long:"appdir" description:"The base directory that contains mendoza's data, logs, configuration file, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store wallets within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	Network    string `long:"network" description:"The network the wallet is used on" choice:"mainnet" choice:"testnet" choice:"regtest" choice:"simnet"`
	WalletFile string `long:"wallet" description:"Path of the wallet file, relative to the network's data directory unless absolute"`

	BlockCacheDir     string `long:"blockcachedir" description:"Directory holding cached blocks; defaults to a directory next to the wallet"`
	BlockCacheMemSize uint64 `long:"blockcachememsize" description:"Size in bytes of the in-memory block cache"`

	MaxRollingBackups int `long:"maxrollingbackups" description:"Number of rolling backups kept per wallet, 0 keeps all"`

	ScryptN int `long:"scrypt.n" description:"scrypt CPU/memory cost used when encrypting wallet keys"`
	ScryptR int `long:"scrypt.r" description:"scrypt block size used when encrypting wallet keys"`
	ScryptP int `long:"scrypt.p" description:"scrypt parallelisation used when encrypting wallet keys"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	// ActiveNetParams are the parameters of the selected network.
	ActiveNetParams *chaincfg.Params `no-flag:"true"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		AppDir:            DefaultAppDir,
		ConfigFile:        DefaultConfigFile,
		DataDir:           defaultDataDir,
		LogDir:            defaultLogDir,
		Network:           defaultNetwork,
		WalletFile:        defaultWalletFilename,
		BlockCacheMemSize: blockcache.DefaultMemCapacity,
		MaxRollingBackups: backup.DefaultMaxRollingBackups,
		ScryptN:           walletcrypt.DefaultScryptParams.N,
		ScryptR:           walletcrypt.DefaultScryptParams.R,
		ScryptP:           walletcrypt.DefaultScryptParams.P,
		DebugLevel:        defaultLogLevel,
		LogConfig:         build.DefaultLogConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.NewParser(&preCfg, flags.Default).ParseArgs(
		args,
	); err != nil {
		return nil, err
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their appdir, then we should assume they intend to use the
	// config file within it.
	configFileDir := CleanAndExpandPath(preCfg.AppDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultAppDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.NewParser(&cfg, flags.Default).ParseArgs(
		args,
	); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done.
	if configFileError != nil {
		log.Debugf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration to be sane. All file system
// paths are normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided app directory is not the default, we'll move the
	// directories that live within it.
	appDir := CleanAndExpandPath(cfg.AppDir)
	if appDir != DefaultAppDir {
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(appDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(appDir, defaultLogDirname)
		}
	}
	cfg.AppDir = appDir

	var err error
	cfg.ActiveNetParams, err = ledger.ParseNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}

	// Wallets, caches and logs are kept apart per network.
	cfg.DataDir = filepath.Join(
		CleanAndExpandPath(cfg.DataDir), cfg.Network,
	)
	cfg.LogDir = filepath.Join(CleanAndExpandPath(cfg.LogDir), cfg.Network)

	cfg.WalletFile = CleanAndExpandPath(cfg.WalletFile)
	if cfg.WalletFile == "" {
		return nil, errors.New("wallet file must be set")
	}
	if !filepath.IsAbs(cfg.WalletFile) {
		cfg.WalletFile = filepath.Join(cfg.DataDir, cfg.WalletFile)
	}
	if filepath.Ext(cfg.WalletFile) != backup.WalletExt {
		return nil, fmt.Errorf("wallet file %v must have the %v "+
			"extension", cfg.WalletFile, backup.WalletExt)
	}

	cfg.BlockCacheDir = CleanAndExpandPath(cfg.BlockCacheDir)
	if cfg.BlockCacheDir == "" {
		cfg.BlockCacheDir = filepath.Join(
			filepath.Dir(cfg.WalletFile), defaultBlockCacheDirname,
		)
	}

	if cfg.MaxRollingBackups < 0 {
		return nil, fmt.Errorf("maxrollingbackups must not be "+
			"negative, got %d", cfg.MaxRollingBackups)
	}
	if err := cfg.ScryptParams().Validate(); err != nil {
		return nil, err
	}
	if err := cfg.LogConfig.Validate(); err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.DataDir, cfg.BlockCacheDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory "+
				"%v: %w", dir, err)
		}
	}

	return &cfg, nil
}

// ScryptParams returns the configured key derivation parameters.
func (c *Config) ScryptParams() walletcrypt.ScryptParams {
	return walletcrypt.ScryptParams{
		N: c.ScryptN,
		R: c.ScryptR,
		P: c.ScryptP,
	}
}

// LogFile returns the path of the log file.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
