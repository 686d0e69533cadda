package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/cli"

	"github.com/ilrudie/istio-ztunnel/command"
	"github.com/ilrudie/istio-ztunnel/version"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	c := cli.NewCLI("ztunnel", version.GetHumanVersion())
	c.Args = os.Args[1:]
	c.Commands = command.Commands
	c.HelpWriter = os.Stdout

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err)
		return 1
	}

	return exitCode
}
