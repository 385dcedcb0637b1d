package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/healthgrid-eu/healthgrid/internal/api"
	"github.com/healthgrid-eu/healthgrid/internal/catalog"
	"github.com/healthgrid-eu/healthgrid/internal/config"
	"github.com/healthgrid-eu/healthgrid/internal/database"
	"github.com/healthgrid-eu/healthgrid/internal/predicate"
	"github.com/healthgrid-eu/healthgrid/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	conn, err := database.Connect(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer conn.Close()

	cat, err := catalog.LoadFile(cfg.Search.ParameterBundle)
	if err != nil {
		return err
	}
	log.Info().Int("definitions", cat.Len()).Msg("Search parameter catalog ready")

	compiler := predicate.NewCompiler(cat)
	st := store.New(conn)

	app := fiber.New(fiber.Config{AppName: "healthgrid"})
	api.NewSearchHandler(compiler, st, &cfg.API).Register(app)
	api.NewResourceHandler(st).Register(app)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- app.Listen(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		return app.ShutdownWithTimeout(10 * time.Second)
	}
}
