package mendoza

import (
	"github.com/btcsuite/btclog"
	"github.com/mendozawallet/mendoza/backup"
	"github.com/mendozawallet/mendoza/blockcache"
	"github.com/mendozawallet/mendoza/build"
	"github.com/mendozawallet/mendoza/ledger"
	"github.com/mendozawallet/mendoza/signal"
	"github.com/mendozawallet/mendoza/walletstore"
)

// Subsystem defines the logging code for the controller.
const Subsystem = "MNDZ"

// log is the controller's logger. It stays silent until SetupLoggers is
// called.
var log = build.NewSubLogger(Subsystem, nil)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.RotatingLogWriter) {
	genLogger := root.GenSubLogger

	log = build.NewSubLogger(Subsystem, genLogger)

	AddSubLogger(root, walletstore.Subsystem, walletstore.UseLogger)
	AddSubLogger(root, backup.Subsystem, backup.UseLogger)
	AddSubLogger(root, blockcache.Subsystem, blockcache.UseLogger)
	AddSubLogger(root, ledger.Subsystem, ledger.UseLogger)
	AddSubLogger(root, signal.Subsystem, signal.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.RotatingLogWriter, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
