package main

import (
	"github.com/spf13/pflag"
)

// Options holds CLI options for the server.
type Options struct {
	ConfigPath string
	// LogLevel overrides log.level from the config when set.
	LogLevel string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) (Options, error) {
	fs := pflag.NewFlagSet("takquic-server", pflag.ContinueOnError)
	var opts Options
	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to YAML config file")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	return opts, nil
}
