package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/clinicrelay/internal/config"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "clinicrelay",
		Short:         "WhatsApp triage relay for the clinic",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("clinicrelay %s\n", Version)
		},
	})

	if err := root.Execute(); err != nil {
		slog.Error("clinicrelay failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.Config) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
