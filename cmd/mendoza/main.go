package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	"github.com/mendozawallet/mendoza"
	"github.com/mendozawallet/mendoza/build"
	"github.com/mendozawallet/mendoza/signal"
	"github.com/urfave/cli"
	"golang.org/x/term"
)

// passwordEnv holds the passwords that may be passed through the
// environment instead of being typed in.
type passwordEnv struct {
	WalletPassword string `envconfig:"WALLET_PASSWORD"`
	ExportPassword string `envconfig:"EXPORT_PASSWORD"`
}

// envPrefix is the prefix of every environment variable read by mendoza.
const envPrefix = "mendoza"

// globalFlags are the options forwarded to the config parser. Their names
// match the long names of mendoza.Config.
var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "appdir",
		Usage: "The base directory of mendoza's data and logs.",
	},
	cli.StringFlag{
		Name:      "configfile",
		Usage:     "Path to the configuration file.",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:  "datadir",
		Usage: "The directory to store wallets within.",
	},
	cli.StringFlag{
		Name:  "logdir",
		Usage: "Directory to log output.",
	},
	cli.StringFlag{
		Name: "network, n",
		Usage: "The network the wallet is used on " +
			"(mainnet, testnet, regtest, simnet).",
	},
	cli.StringFlag{
		Name:      "wallet, w",
		Usage:     "Path of the wallet file.",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:  "blockcachedir",
		Usage: "Directory holding cached blocks.",
	},
	cli.StringFlag{
		Name:  "maxrollingbackups",
		Usage: "Number of rolling backups kept per wallet, 0 keeps all.",
	},
	cli.StringFlag{
		Name:  "debuglevel",
		Usage: "Logging level for all subsystems.",
	},
}

// session is the state shared by every command of one invocation.
type session struct {
	cfg         *mendoza.Config
	logWriter   *build.RotatingLogWriter
	interceptor *signal.Interceptor
	passwords   passwordEnv
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[mendoza] %v\n", err)
	os.Exit(1)
}

// configArgs turns the global flags that were set into arguments for the
// config parser.
func configArgs(ctx *cli.Context) []string {
	var args []string
	for _, flag := range globalFlags {
		long := strings.Split(flag.GetName(), ",")[0]
		if !ctx.GlobalIsSet(long) {
			continue
		}
		args = append(args, fmt.Sprintf("--%s=%s", long,
			ctx.GlobalString(long)))
	}

	return args
}

// setup loads the configuration and starts logging.
func (s *session) setup(ctx *cli.Context) error {
	cfg, err := mendoza.LoadConfig(configArgs(ctx))
	if err != nil {
		return err
	}
	s.cfg = cfg

	s.logWriter = build.NewRotatingLogWriter()
	err = s.logWriter.InitLogRotator(cfg.LogConfig, cfg.LogFile())
	if err != nil {
		return err
	}
	mendoza.SetupLoggers(s.logWriter)

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, s.logWriter)
	if err != nil {
		return err
	}

	if err := envconfig.Process(envPrefix, &s.passwords); err != nil {
		return err
	}

	s.interceptor, err = signal.Intercept()

	return err
}

// wait waits for a background operation. An interrupt stops the controller,
// which supersedes a running resync.
func (s *session) wait(ctrl *mendoza.Controller, errChan <-chan error) error {
	select {
	case err := <-errChan:
		return err

	case <-s.interceptor.ShutdownChannel():
		ctrl.Stop()
		return <-errChan
	}
}

func (s *session) close(*cli.Context) error {
	if s.logWriter == nil {
		return nil
	}

	return s.logWriter.Close()
}

// walletPassword returns the wallet password from the environment or the
// terminal.
func (s *session) walletPassword() ([]byte, error) {
	if s.passwords.WalletPassword != "" {
		return []byte(s.passwords.WalletPassword), nil
	}

	return readPassword("Wallet password: ")
}

// exportPassword returns the key export password from the environment or
// the terminal.
func (s *session) exportPassword() ([]byte, error) {
	if s.passwords.ExportPassword != "" {
		return []byte(s.passwords.ExportPassword), nil
	}

	pw, err := readPassword("Export password: ")
	if err != nil {
		return nil, err
	}
	confirm, err := readPassword("Confirm export password: ")
	if err != nil {
		return nil, err
	}
	if string(pw) != string(confirm) {
		return nil, fmt.Errorf("passwords don't match")
	}

	return pw, nil
}

// readPassword reads a password from the terminal. This requires there to be an
// actual TTY so passing in a password from stdin won't work.
func readPassword(text string) ([]byte, error) {
	fmt.Print(text)

	// The variable syscall.Stdin is of a different type in the Windows API
	// that's why we need the explicit cast.
	pw, err := term.ReadPassword(int(syscall.Stdin)) // nolint:unconvert
	fmt.Println()

	return pw, err
}

func printJSON(resp interface{}) {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fatal(err)
	}

	fmt.Println(string(b))
}

func main() {
	s := &session{}

	app := cli.NewApp()
	app.Name = "mendoza"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "manage a mendoza wallet file and its backups"
	app.Flags = globalFlags
	app.Before = s.setup
	app.After = s.close
	app.Commands = s.commands()

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
