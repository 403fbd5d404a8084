// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/MaximeRivest/mrmd-monitor/crdt"
	"github.com/MaximeRivest/mrmd-monitor/crdt/provider"
	"github.com/MaximeRivest/mrmd-monitor/lib/logging"
	"github.com/MaximeRivest/mrmd-monitor/monitor"
)

// drainWindow is how long shutdown waits after cancelling executions
// so final record writes can flush to the sync server.
const drainWindow = 250 * time.Millisecond

// params are the CLI flags. Config-file values fill in doc, name,
// color, and log level where the user did not set the flag explicitly.
type params struct {
	doc       string
	name      string
	color     string
	logLevel  string
	logFormat string
	config    string
	help      bool
}

// fileConfig is the optional YAML config file's schema.
type fileConfig struct {
	Doc      string `yaml:"doc"`
	Name     string `yaml:"name"`
	Color    string `yaml:"color"`
	LogLevel string `yaml:"log_level"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var p params
	flags := pflag.NewFlagSet("mrmd-monitor", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&p.doc, "doc", "default", "document/room name")
	flags.StringVar(&p.name, "name", "mrmd-monitor", "awareness display name")
	flags.StringVar(&p.color, "color", "#10b981", "awareness color")
	flags.StringVar(&p.logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flags.StringVar(&p.logFormat, "log-format", "pretty", "log format: json or pretty")
	flags.StringVar(&p.config, "config", "", "optional YAML config file")
	flags.BoolVarP(&p.help, "help", "h", false, "print usage and exit")
	flags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: mrmd-monitor [flags] <sync-url>\n\n")
		fmt.Fprint(stderr, flags.FlagUsages())
	}

	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return 1
	}
	if p.help {
		flags.SetOutput(stdout)
		fmt.Fprintf(stdout, "Usage: mrmd-monitor [flags] <sync-url>\n\n")
		fmt.Fprint(stdout, flags.FlagUsages())
		return 0
	}
	if flags.NArg() != 1 {
		fmt.Fprintf(stderr, "mrmd-monitor: exactly one <sync-url> argument required\n\n")
		flags.Usage()
		return 1
	}

	if p.config != "" {
		if err := applyConfigFile(&p, flags); err != nil {
			fmt.Fprintf(stderr, "mrmd-monitor: %v\n", err)
			return 1
		}
	}

	level, err := logging.ParseLevel(p.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "mrmd-monitor: %v\n", err)
		return 1
	}
	var handler slog.Handler
	switch p.logFormat {
	case "json":
		handler = logging.NewHandler(stderr, level)
	case "pretty":
		handler = logging.NewPrettyHandler(stderr, level)
	default:
		fmt.Fprintf(stderr, "mrmd-monitor: unknown log format %q (want json or pretty)\n", p.logFormat)
		return 1
	}
	logger := slog.New(handler)

	syncURL := normalizeSyncURL(flags.Arg(0))

	doc := crdt.NewDoc()
	transport := provider.New(syncURL, p.doc, doc, provider.Options{
		Logger: logger,
		Awareness: map[string]any{
			"user": map[string]any{
				"name":  p.name,
				"color": p.color,
				"type":  "monitor",
			},
		},
	})
	m := monitor.New(doc, transport, monitor.Options{Logger: logger})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting monitor",
		"component", "main", "sync_url", syncURL, "doc", p.doc, "name", p.name)
	if err := m.Connect(ctx); err != nil {
		logger.Error("connect failed", "component", "main", "error", err)
		return 1
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", "component", "main",
			"active_executions", m.ActiveExecutions())
	case <-transport.Done():
		logger.Error("sync connection lost", "component", "main")
		m.Disconnect()
		return 1
	}

	if err := m.Disconnect(); err != nil {
		logger.Warn("disconnect", "component", "main", "error", err)
	}
	time.Sleep(drainWindow)
	logger.Info("monitor stopped", "component", "main")
	return 0
}

// applyConfigFile fills params from the YAML file for every flag the
// user did not set on the command line.
func applyConfigFile(p *params, flags *pflag.FlagSet) error {
	data, err := os.ReadFile(p.config)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file %s: %w", p.config, err)
	}
	if !flags.Changed("doc") && file.Doc != "" {
		p.doc = file.Doc
	}
	if !flags.Changed("name") && file.Name != "" {
		p.name = file.Name
	}
	if !flags.Changed("color") && file.Color != "" {
		p.color = file.Color
	}
	if !flags.Changed("log-level") && file.LogLevel != "" {
		p.logLevel = file.LogLevel
	}
	return nil
}

// normalizeSyncURL prepends ws:// when the URL carries no websocket
// scheme.
func normalizeSyncURL(raw string) string {
	if strings.HasPrefix(raw, "ws://") || strings.HasPrefix(raw, "wss://") {
		return raw
	}
	return "ws://" + raw
}
