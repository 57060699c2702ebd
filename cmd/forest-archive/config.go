package main

import (
	"github.com/forest-chain/forest-archive/config"

	"github.com/urfave/cli/v2"
)

// globalConfig is populated by configFlags' config.Flags binding before
// any command's Action runs.
var globalConfig config.Config

func configFlags() []cli.Flag {
	flags := append([]cli.Flag{}, newKlogFlagSet()...)
	return append(flags, config.Flags(&globalConfig)...)
}
