package cmd

import (
	"github.com/spf13/cobra"

	"github.com/healthgrid-eu/healthgrid/internal/config"
	"github.com/healthgrid-eu/healthgrid/internal/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return migrations.Run(cfg.Database.URL())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
