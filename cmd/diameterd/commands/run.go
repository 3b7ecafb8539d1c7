package commands

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	// load the transport driver factories
	_ "github.com/nordictel/diameter/src/net"
	"github.com/nordictel/diameter/src/node"
	"github.com/nordictel/diameter/src/peers"
	"github.com/nordictel/diameter/src/service"
)

// NewRunCmd returns the command that starts a diameter node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runNode,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runNode(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	settings, err := _config.NodeSettings()
	if err != nil {
		logger.Error("Bad configuration:", err)
		return err
	}

	n := node.NewNode(nil, nil, nil, settings, logger)

	if err := n.Start(); err != nil {
		logger.Error("Cannot start node:", err)
		return err
	}

	peerStore := peers.NewJSONPeers(_config.DataDir)
	bootstrap, err := peerStore.Peers()
	if err != nil {
		logger.WithError(err).Warn("Cannot read peers.json")
	}
	for _, peer := range bootstrap {
		n.InitiateConnection(peer, true)
	}

	if !_config.NoService {
		apiService := service.NewService(_config.ServiceAddr, n, logger)
		go apiService.Serve()
	}

	// run until interrupted, then drain gracefully
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sigintCh

	n.StopWithGrace(5 * time.Second)

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Route info-and-above log lines to this file")

	// Identity
	cmd.Flags().String("host", _config.HostID, "Origin-Host of this node")
	cmd.Flags().String("realm", _config.Realm, "Origin-Realm of this node")
	cmd.Flags().Uint32("vendor-id", _config.VendorID, "Vendor-Id of this node")
	cmd.Flags().String("product-name", _config.ProductName, "Product-Name of this node")
	cmd.Flags().Uint32("firmware-revision", _config.FirmwareRevision, "Firmware-Revision of this node")

	// Network
	cmd.Flags().IntP("port", "p", _config.Port, "Listen port for every transport")
	cmd.Flags().String("use-tcp", _config.UseTCP, "TCP transport policy: required, optional or disabled")
	cmd.Flags().String("use-sctp", _config.UseSCTP, "SCTP transport policy: required, optional or disabled")
	cmd.Flags().Int("tcp-port-range-lo", _config.TCPPortRangeLo, "Lowest local source port for outbound TCP")
	cmd.Flags().Int("tcp-port-range-hi", _config.TCPPortRangeHi, "Highest local source port for outbound TCP")

	// Timers
	cmd.Flags().Duration("watchdog-interval", _config.WatchdogInterval, "Device-watchdog interval")
	cmd.Flags().Duration("idle-timeout", _config.IdleTimeout, "Close connections without traffic for this long (0 disables)")
	cmd.Flags().String("jitter-prng", _config.JitterPRNG, "Watchdog jitter PRNG; 'bogus' uses a non-cryptographic seed")

	// Capabilities
	cmd.Flags().UintSlice("auth-apps", nil, "Auth-Application-Ids to advertise")
	cmd.Flags().UintSlice("acct-apps", nil, "Acct-Application-Ids to advertise")
	cmd.Flags().UintSlice("supported-vendors", nil, "Supported-Vendor-Ids to advertise")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP API service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for the HTTP service")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	logFields := logrus.Fields{
		"DataDir":          _config.DataDir,
		"HostID":           _config.HostID,
		"Realm":            _config.Realm,
		"Port":             _config.Port,
		"UseTCP":           _config.UseTCP,
		"UseSCTP":          _config.UseSCTP,
		"WatchdogInterval": _config.WatchdogInterval,
		"IdleTimeout":      _config.IdleTimeout,
		"LogLevel":         _config.LogLevel,
		"ServiceAddr":      _config.ServiceAddr,
		"NoService":        _config.NoService,
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all
	// other persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/diameter.toml (.json, .yaml also work)
	viper.SetConfigName("diameter")      // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from the config file
	return viper.Unmarshal(_config)
}
