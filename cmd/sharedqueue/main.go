// Command sharedqueue runs and inspects shared queues.
package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/sharedqueue/config"
	"github.com/vinayprograms/sharedqueue/storage"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	backend    string
	namespace  string
	logLevel   string
	envFile    string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "sharedqueue",
		Short: "Leased single-consumer FIFO queue over a shared key-value store",
		Long: "sharedqueue lets several processes sharing one key-value store drain a single FIFO queue.\n" +
			"One process holds a timed lease and processes batches; the others wait to take over.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(g.envFile)
		},
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file, TOML or YAML (default: ./sharedqueue.toml, ./sharedqueue.yaml or ~/.config/sharedqueue/config.{toml,yaml})")
	root.PersistentFlags().StringVar(&g.backend, "backend", "", "State backend: memory|nats|redis|pebble|badger")
	root.PersistentFlags().StringVar(&g.namespace, "namespace", "", "Key namespace for the queue")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "Dotenv file with SHAREDQUEUE_* settings; ignored when missing")

	root.AddCommand(
		newRunCmd(g),
		newEnqueueCmd(g),
		newInspectCmd(g),
		newWatchCmd(g),
		newResetCmd(g),
	)
	return root
}

// loadEnvFile exports variables from path without overriding ones already
// set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// load reads the config file and applies flag overrides.
func (g *globalFlags) load() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if g.configPath != "" {
		cfg, err = config.LoadFile(g.configPath)
	} else {
		cfg, _, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if g.backend != "" {
		cfg.Store.Backend = g.backend
	}
	if g.namespace != "" {
		cfg.Queue.Namespace = g.namespace
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, cfg.Validate()
}

// open loads the config and connects to its backend.
func (g *globalFlags) open() (*config.Config, *config.Backend, *storage.StateStorage, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, nil, nil, err
	}
	backend, err := cfg.OpenBackend()
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, backend, backend.Storage(cfg), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
