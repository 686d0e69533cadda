// Package command registers the CLI subcommands.
package command

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/cli"

	proxycmd "github.com/ilrudie/istio-ztunnel/command/proxy"
	versioncmd "github.com/ilrudie/istio-ztunnel/command/version"
	"github.com/ilrudie/istio-ztunnel/version"
)

// Commands is the mapping of all the available commands.
var Commands map[string]cli.CommandFactory

func init() {
	ui := &cli.BasicUi{Writer: os.Stdout, ErrorWriter: os.Stderr}

	Commands = map[string]cli.CommandFactory{
		"proxy": func() (cli.Command, error) {
			return proxycmd.New(ui, MakeShutdownCh()), nil
		},

		"version": func() (cli.Command, error) {
			return versioncmd.New(ui, version.GetHumanVersion()), nil
		},
	}
}

// MakeShutdownCh returns a channel that delivers a message every time an
// interrupt or SIGTERM is received.
func MakeShutdownCh() <-chan struct{} {
	resultCh := make(chan struct{})

	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for {
			<-signalCh
			resultCh <- struct{}{}
		}
	}()

	return resultCh
}
