// Package proxy implements the command that runs the inbound passthrough
// data plane.
package proxy

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/ilrudie/istio-ztunnel/directory"
	"github.com/ilrudie/istio-ztunnel/logging"
	"github.com/ilrudie/istio-ztunnel/proxy"
	"github.com/ilrudie/istio-ztunnel/rbac"
)

type cmd struct {
	UI         cli.Ui
	shutdownCh <-chan struct{}

	flags      *flag.FlagSet
	help       string
	configFile string
	logLevel   string
	logJSON    bool
	bindAddr   string
	bindPort   int
	network    string
	localIP    string
	proxyMode  string
}

func New(ui cli.Ui, shutdownCh <-chan struct{}) cli.Command {
	c := &cmd{UI: ui, shutdownCh: shutdownCh}
	c.init()
	return c
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("proxy", flag.ContinueOnError)
	c.flags.StringVar(&c.configFile, "config-file", "",
		"Path to an HCL or JSON proxy configuration file.")
	c.flags.StringVar(&c.logLevel, "log-level", "",
		"Log level of the proxy.")
	c.flags.BoolVar(&c.logJSON, "log-json", false,
		"Output logs in JSON format.")
	c.flags.StringVar(&c.bindAddr, "bind-address", "",
		"IP or go-sockaddr template to bind the inbound listener to.")
	c.flags.IntVar(&c.bindPort, "bind-port", 0,
		"Port for the inbound plaintext listener.")
	c.flags.StringVar(&c.network, "network", "",
		"Overlay network this proxy's workloads live on.")
	c.flags.StringVar(&c.localIP, "local-ip", "",
		"The proxy's own IP, used for self-call detection in shared mode.")
	c.flags.StringVar(&c.proxyMode, "proxy-mode", "",
		"Deployment mode, \"shared\" or \"dedicated\".")
	c.help = flagUsage(helpText, c.flags)
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	cfg, err := c.readConfig()
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	logger, err := logging.Setup(logging.Config{
		LogLevel: cfg.LogLevel,
		LogJSON:  cfg.LogJSON,
		Name:     "ztunnel",
	}, os.Stderr)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	// In-memory metrics with a SIGUSR1 dump, so telemetry is inspectable
	// without an external sink.
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)
	metricsConf := metrics.DefaultConfig("ztunnel")
	metricsConf.EnableHostname = false
	if _, err := metrics.NewGlobal(metricsConf, inm); err != nil {
		c.UI.Error(fmt.Sprintf("Failed to initialize telemetry: %s", err))
		return 1
	}

	store := directory.NewStore(logger)
	if err := cfg.LoadDirectory(store); err != nil {
		c.UI.Error(fmt.Sprintf("Invalid workload config: %s", err))
		return 1
	}
	var dir directory.Client = store
	if cfg.DirectoryCacheSize > 0 {
		cached, err := directory.NewCachedClient(store, cfg.DirectoryCacheSize)
		if err != nil {
			c.UI.Error(fmt.Sprintf("Failed to initialize directory cache: %s", err))
			return 1
		}
		dir = cached
	}

	policies, err := cfg.RBACPolicies()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Invalid policy config: %s", err))
		return 1
	}
	policySet := rbac.NewPolicySet(logger, policies...)

	connManager := proxy.NewConnectionManager(logger)
	drainCh := make(chan struct{})

	inbound, err := proxy.NewInboundPassthrough(proxy.Inputs{
		Config:        cfg,
		Directory:     dir,
		Authorizer:    policySet,
		ConnManager:   connManager,
		SocketFactory: proxy.NewSocketFactory(),
		Telemetry:     proxy.NewMetricsSink(logger),
		Logger:        logger,
	}, drainCh)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Failed to start inbound listener: %s", err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proxy.WatchPolicies(ctx, policySet, connManager, logger)
	go c.watchReload(ctx, logger, store, policySet)

	go func() {
		// First shutdown signal drains; a second one exits immediately
		// without waiting for in-flight connections.
		<-c.shutdownCh
		logger.Info("shutdown signal received, draining")
		close(drainCh)
		<-c.shutdownCh
		logger.Warn("second shutdown signal, exiting without drain")
		os.Exit(1)
	}()

	c.UI.Output(fmt.Sprintf("Proxy listening on %s", inbound.Addr()))
	inbound.Serve()

	logger.Info("acceptance stopped; in-flight connections continue until closed")
	inbound.Close()
	connManager.CloseAll()
	return 0
}

// watchReload re-reads the config file on SIGHUP and swaps the policy set
// and static directory entries in place. Tracked connections that no longer
// pass policy are revoked by the policy watcher.
func (c *cmd) watchReload(ctx context.Context, logger hclog.Logger, store *directory.Store, policySet *rbac.PolicySet) {
	if c.configFile == "" {
		return
	}
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hupCh:
		}

		cfg, err := proxy.ParseConfigFile(c.configFile)
		if err != nil {
			logger.Error("failed reloading config", "file", c.configFile, "error", err)
			continue
		}
		policies, err := cfg.RBACPolicies()
		if err != nil {
			logger.Error("failed reloading policies", "file", c.configFile, "error", err)
			continue
		}
		if err := cfg.LoadDirectory(store); err != nil {
			logger.Error("failed reloading workloads", "file", c.configFile, "error", err)
			continue
		}
		policySet.SetPolicies(policies)
		logger.Info("configuration reloaded", "file", c.configFile)
	}
}

func (c *cmd) readConfig() (*proxy.Config, error) {
	cfg := proxy.DefaultConfig()
	if c.configFile != "" {
		fileCfg, err := proxy.ParseConfigFile(c.configFile)
		if err != nil {
			return nil, fmt.Errorf("Failed to read config file: %s", err)
		}
		cfg = fileCfg
	}

	// Command line flags override file config.
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if c.logJSON {
		cfg.LogJSON = true
	}
	if c.bindAddr != "" {
		cfg.BindAddress = c.bindAddr
	}
	if c.bindPort != 0 {
		cfg.BindPort = c.bindPort
	}
	if c.network != "" {
		cfg.Network = c.network
	}
	if c.localIP != "" {
		ip, err := netip.ParseAddr(c.localIP)
		if err != nil {
			return nil, fmt.Errorf("Invalid -local-ip: %s", err)
		}
		cfg.LocalIP = ip
	}
	if c.proxyMode != "" {
		cfg.Mode = proxy.ProxyMode(c.proxyMode)
	}

	if err := cfg.Finalize(); err != nil {
		return nil, fmt.Errorf("Invalid config: %s", err)
	}
	return cfg, nil
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.help
}

const synopsis = "Runs the inbound passthrough proxy"
const helpText = `
Usage: ztunnel proxy [options]

  Runs the transparent inbound passthrough data plane: accepts redirected
  plaintext connections for local workloads, authorizes each against the
  RBAC policy set, and relays bytes to the real destination.

  A first interrupt drains the proxy (stops accepting, keeps relaying); a
  second interrupt exits immediately. SIGHUP reloads policies and static
  workloads from the config file.
`
