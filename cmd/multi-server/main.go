// Command multi-server runs the OoTMM multiplayer ledger broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Yaimsputnik5/multi-server/pkg/multi"
	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var opt struct {
	Host      string
	Port      uint16
	DataDir   string
	LogLevel  string
	DebugAddr string
	Help      bool
}

func init() {
	pflag.StringVarP(&opt.Host, "host", "h", "0.0.0.0", "Host to listen on")
	pflag.Uint16VarP(&opt.Port, "port", "p", 13248, "TCP port to listen on")
	pflag.StringVarP(&opt.DataDir, "data-dir", "d", "./data", "Directory holding ledger data")
	pflag.StringVar(&opt.LogLevel, "log-level", "", "Minimum log level (trace, debug, info, warn, error)")
	pflag.StringVar(&opt.DebugAddr, "debug-addr", "", "Address for the insecure debug server (metrics, pprof)")
	pflag.BoolVar(&opt.Help, "help", false, "Show this help text")
}

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored; flags override both\n", os.Args[0], pflag.CommandLine.FlagUsages())
	}
	pflag.Parse()

	if pflag.NArg() > 1 {
		pflag.Usage()
		os.Exit(2)
	}
	if opt.Help {
		pflag.Usage()
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		if x, err := readEnv(pflag.Arg(0)); err == nil {
			e = x
		} else {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
	}

	var c multi.Config
	if err := c.UnmarshalEnv(e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}
	if err := applyFlags(&c); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse flags: %v\n", err)
		os.Exit(2)
	}

	s, err := multi.NewServer(&c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize server: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: run server: %v\n", err)
		os.Exit(1)
	}
}

// applyFlags overrides config values with any flag set on the command line.
func applyFlags(c *multi.Config) error {
	f := pflag.CommandLine
	if f.Changed("host") {
		c.Host = opt.Host
	}
	if f.Changed("port") {
		c.Port = opt.Port
	}
	if f.Changed("data-dir") {
		c.DataDir = opt.DataDir
	}
	if f.Changed("debug-addr") {
		c.DebugAddr = opt.DebugAddr
	}
	if f.Changed("log-level") {
		lvl, err := zerolog.ParseLevel(opt.LogLevel)
		if err != nil {
			return fmt.Errorf("parse log level: %w", err)
		}
		c.LogLevel = lvl
	}
	return nil
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
