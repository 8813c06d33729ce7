package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/gatehouse/pkg/api"
	"github.com/cuemby/gatehouse/pkg/config"
	"github.com/cuemby/gatehouse/pkg/controller"
	"github.com/cuemby/gatehouse/pkg/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gatehouse controller",
	Long: `Run the controller: the reverse proxy, the convergence engine, the
certificate renewal scheduler, and the admin API.

Declared intent is read from the configuration file and re-applied
whenever the file changes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Intent file enumerating services to route")
	serveCmd.Flags().String("data-dir", "", "Directory for persistent state (in-memory if empty)")
	serveCmd.Flags().String("http-addr", ":8080", "Proxy HTTP listen address")
	serveCmd.Flags().String("https-addr", ":8443", "Proxy HTTPS listen address")
	serveCmd.Flags().String("admin-addr", ":9443", "Admin API listen address")
	serveCmd.Flags().String("validation-addr", ":80", "ACME validation channel listen address")
	serveCmd.Flags().String("acme-email", "", "ACME account email (enables auto acquisition)")
	serveCmd.Flags().String("acme-directory", "", "ACME directory URL (staging by default)")
	serveCmd.Flags().Duration("converge-interval", 30*time.Second, "Periodic convergence interval")
	serveCmd.Flags().Duration("health-interval", 30*time.Second, "Backend health check interval")
	serveCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "Log in JSON format")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	httpsAddr, _ := cmd.Flags().GetString("https-addr")
	adminAddr, _ := cmd.Flags().GetString("admin-addr")
	validationAddr, _ := cmd.Flags().GetString("validation-addr")
	acmeEmail, _ := cmd.Flags().GetString("acme-email")
	acmeDirectory, _ := cmd.Flags().GetString("acme-directory")
	convergeInterval, _ := cmd.Flags().GetDuration("converge-interval")
	healthInterval, _ := cmd.Flags().GetDuration("health-interval")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})

	ctrl, err := controller.New(controller.Config{
		DataDir:          dataDir,
		HTTPAddr:         httpAddr,
		HTTPSAddr:        httpsAddr,
		ValidationAddr:   validationAddr,
		ACMEEmail:        acmeEmail,
		ACMEDirectoryURL: acmeDirectory,
		ConvergeInterval: convergeInterval,
		HealthInterval:   healthInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Admin API in background
	adminServer := api.NewAdminServer(ctrl, Version)
	go func() {
		log.Info(fmt.Sprintf("Admin API listening on %s", adminAddr))
		if err := adminServer.Start(adminAddr); err != nil {
			log.Errorf("admin server error", err)
		}
	}()

	if configPath != "" {
		applyConfig := func() {
			f, err := config.Load(configPath)
			if err != nil {
				log.Errorf("failed to load intent", err)
				return
			}
			if err := ctrl.ApplyIntent(f); err != nil {
				log.Errorf("failed to apply intent", err)
			}
		}
		applyConfig()
		if err := config.Watch(ctx, configPath, applyConfig); err != nil {
			return err
		}
	}

	log.Info("Gatehouse is running. Press Ctrl+C to stop.")
	return ctrl.Start(ctx)
}
