package main

import (
	"os"

	"github.com/alecthomas/kingpin"

	"github.com/wanduow/ampy/internal/service/configuration"
)

// flags are the flags of the program.
type flags struct {
	configFile    string
	exporterHost  string
	exporterPort  int
	listenAddress string
	debug         bool
	plainLog      bool
}

// newFlags returns the parsed command line flags.
func newFlags() (*flags, error) {
	fl := &flags{}
	app := kingpin.New("ampy", "Query engine for network measurement dashboards.")
	app.Version(Version)

	app.Flag("config", "Path of the JSON configuration file.").
		Envar("AMPY_CONFIG").Short('c').StringVar(&fl.configFile)
	app.Flag("exporter-host", "Exporter host, overrides the configuration file.").
		Envar("AMPY_EXPORTER_HOST").StringVar(&fl.exporterHost)
	app.Flag("exporter-port", "Exporter port, overrides the configuration file.").
		Envar("AMPY_EXPORTER_PORT").IntVar(&fl.exporterPort)
	app.Flag("listen-address", "Address the HTTP API listens on, overrides the configuration file.").
		Envar("AMPY_LISTEN_ADDRESS").StringVar(&fl.listenAddress)
	app.Flag("debug", "Enable debug logging.").
		Envar("AMPY_DEBUG").BoolVar(&fl.debug)
	app.Flag("plain-log", "Log lines as plain JSON instead of the console format.").
		Envar("AMPY_PLAIN_LOG").BoolVar(&fl.plainLog)

	if _, err := app.Parse(os.Args[1:]); err != nil {
		return nil, err
	}
	return fl, nil
}

// configuration loads the configuration file and applies the command
// line overrides on top.
func (f *flags) configuration() (*configuration.Configuration, error) {
	cfg := configuration.Default()
	if f.configFile != "" {
		loaded, err := configuration.LoadFile(f.configFile)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	if f.exporterHost != "" {
		cfg.Exporter.Host = f.exporterHost
	}
	if f.exporterPort != 0 {
		cfg.Exporter.Port = f.exporterPort
	}
	if f.listenAddress != "" {
		cfg.Listen.Address = f.listenAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
