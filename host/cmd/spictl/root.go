package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gospi/host/config"
	"gospi/host/mcu"
)

// app is the state shared by every subcommand.
type app struct {
	configPath string
	device     string
	baud       int
	simulate   bool
	verbose    bool

	cfg *config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "spictl",
		Short: "spictl drives SPI devices through a board running the SPI command set.",
		Long: `spictl retrieves the board's data dictionary and issues SPI commands: ` +
			`full-duplex transfers, flash reads through memory operations and the emergency stop. ` +
			`With --sim it runs against an in-process simulated controller with a flash chip attached.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "JSON configuration file")
	flags.StringVarP(&a.device, "device", "d", "", "serial device, overriding the configuration")
	flags.IntVar(&a.baud, "baud", 0, "baud rate, overriding the configuration")
	flags.BoolVar(&a.simulate, "sim", false, "use a simulated board instead of the serial link")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log protocol and engine detail")

	root.AddCommand(
		newDictCmd(a),
		newTransferCmd(a),
		newJEDECCmd(a),
		newReadCmd(a),
		newStopCmd(a),
		newShellCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(a.configPath); err != nil {
			return err
		}
	}
	if a.device != "" {
		cfg.Serial.Device = a.device
	}
	if a.baud != 0 {
		cfg.Serial.Baud = a.baud
	}
	a.cfg = cfg

	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if a.verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	zcfg.DisableStacktrace = true
	log, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	a.log = log.Named(cmd.Name())
	return nil
}

// connect opens the board, retrieves its dictionary and returns a function
// releasing everything.
func (a *app) connect() (*mcu.MCU, func() error, error) {
	opts := []mcu.Option{
		mcu.WithLogger(a.log.Named("mcu")),
		mcu.WithResponseTimeout(a.cfg.ResponseTimeout()),
	}

	var (
		m       *mcu.MCU
		release func() error
	)
	if a.simulate {
		b, err := startSimBoard(a.cfg.Sim, a.log.Named("sim"), opts...)
		if err != nil {
			return nil, nil, err
		}
		m, release = b.mcu, b.Close
	} else {
		var err error
		if m, err = mcu.Open(a.cfg.SerialPort(), opts...); err != nil {
			return nil, nil, err
		}
		release = m.Close
	}

	if err := m.Identify(); err != nil {
		return nil, nil, multierr.Append(err, release())
	}
	return m, release, nil
}

// withBoard runs fn on a connected board with its bus configured.
func (a *app) withBoard(fn func(*mcu.MCU) error) (err error) {
	m, release, err := a.connect()
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, release())
	}()
	if err := m.ConfigureSPI(a.cfg.MCUBus()); err != nil {
		return err
	}
	return fn(m)
}
