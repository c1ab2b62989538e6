// Package cli implements the qoe-assistant command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/qoe-assistant/internal/config"
)

type app struct {
	configPath string
	envFiles   []string

	logLevel     string
	logFormat    string
	datasetPath  string
	provider     string
	model        string
	tools        []string
	stateBackend string

	cfg config.Config
	log *logrus.Logger
	out io.Writer
	in  io.Reader
}

// Execute runs the command line with args (without the program name).
func Execute(ctx context.Context, args []string) error {
	cmd := NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func NewRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{in: in, out: out, log: logrus.New()}
	a.log.SetOutput(errOut)

	root := &cobra.Command{
		Use:           "qoe-assistant",
		Short:         "Conversational assistant for video network quality of experience",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML config file")
	flags.StringSliceVar(&a.envFiles, "env-file", nil, ".env files to load (default .env)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "log format (text, json)")
	flags.StringVarP(&a.datasetPath, "dataset", "d", "", "measurement CSV file")
	flags.StringVar(&a.provider, "provider", "", "model provider (openai, gemini)")
	flags.StringVar(&a.model, "model", "", "model name")
	flags.StringSliceVar(&a.tools, "tools", nil, "tool selection: names, @bundle or *")
	flags.StringVar(&a.stateBackend, "state", "", "session backend (memory, sqlite, redis, hybrid)")

	root.AddCommand(
		a.askCommand(),
		a.chatCommand(),
		a.serveCommand(),
		a.sessionsCommand(),
		a.historyCommand(),
		a.datasetCommand(),
		a.toolsCommand(),
		a.promptsCommand(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, a.envFiles...)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = strings.ToLower(a.logFormat)
	}
	if flags.Changed("dataset") {
		cfg.Dataset.Path = a.datasetPath
	}
	if flags.Changed("provider") {
		cfg.Provider.Name = strings.ToLower(a.provider)
	}
	if flags.Changed("model") {
		cfg.Provider.Model = a.model
	}
	if flags.Changed("tools") {
		cfg.Agent.Tools = a.tools
	}
	if flags.Changed("state") {
		cfg.State.Backend = strings.ToLower(a.stateBackend)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return configureLogger(a.log, cfg.Log)
}

func configureLogger(log *logrus.Logger, cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
