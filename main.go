package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/logger"
	"chatrelay/server"

	"github.com/spf13/cobra"
)

var errUsage = errors.New("wrong number of arguments")

func main() {
	os.Exit(execute(newRootCmd(config.Load()), os.Args[1:], os.Stderr))
}

// execute runs root and maps its error to the process exit status.
func execute(root *cobra.Command, args []string, stderr io.Writer) int {
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	cmd, err := root.ExecuteC()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "Usage: %s\n", cmd.UseLine())
	case errors.Is(err, config.ErrInvalidPort):
		fmt.Fprintln(stderr, "Invalid port number")
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return 1
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return errUsage
		}
		return nil
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "chatrelay <port>",
		Short:         "Relay chat messages between authenticated TCP clients",
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := config.ParsePort(args[0])
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, port)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")

	root.AddCommand(&cobra.Command{
		Use:   "adduser <name> <password>",
		Short: "Register a user in the database",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.CreateUser(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "User created")
			return nil
		},
	})
	return root
}

func openDB(cfg *config.Config) (*db.DB, error) {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := database.SetHashCost(cfg.BcryptCost); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

func serve(ctx context.Context, cfg *config.Config, port int) error {
	log, err := logger.Open(logger.ParseLevel(cfg.LogLevel), cfg.LogFile)
	if err != nil {
		return err
	}
	defer log.Close()
	logger.SetGlobal(log)

	database, err := openDB(cfg)
	if err != nil {
		log.Error("%v", err)
		return err
	}
	defer database.Close()

	srv := server.New(database, &server.ServerConfig{
		Port:         port,
		WriteTimeout: cfg.WriteTimeout,
	}, log.WithPrefix("server"))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ControlSocket != "" {
		control := &controlServer{
			srv:   srv,
			users: database,
			log:   log.WithPrefix("control"),
		}
		go control.listen(ctx, cfg.ControlSocket)
	}

	log.Info("starting on port %d, log level %s", port, log.Level())
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("server stopped: %v", err)
		return err
	}
	return nil
}
