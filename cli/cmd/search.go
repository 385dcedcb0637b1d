package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/healthgrid-eu/healthgrid/internal/catalog"
	"github.com/healthgrid-eu/healthgrid/internal/config"
	"github.com/healthgrid-eu/healthgrid/internal/database"
	"github.com/healthgrid-eu/healthgrid/internal/predicate"
	"github.com/healthgrid-eu/healthgrid/internal/store"
)

var (
	searchTenant string
	searchCount  int
	searchOffset int
)

var searchCmd = &cobra.Command{
	Use:   "search <resourceType> [param=value ...]",
	Short: "Run a one-shot search from the terminal",
	Long: `Run a search without going through the HTTP server.

Examples:
  healthgrid search Patient name:contains=smith
  healthgrid search Observation "code=http://loinc.org|1234-5"
  healthgrid search Condition clinical-status=active --tenant clinic-a`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchTenant, "tenant", "default", "tenant to search in")
	searchCmd.Flags().IntVar(&searchCount, "count", 20, "page size")
	searchCmd.Flags().IntVar(&searchOffset, "offset", 0, "page offset")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	resourceType := args[0]
	var params []predicate.Parameter
	for _, arg := range args[1:] {
		name, value, found := strings.Cut(arg, "=")
		if !found {
			return fmt.Errorf("parameter %q is not in name=value form", arg)
		}
		params = append(params, predicate.Parameter{Name: name, Value: value})
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
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

	filter := predicate.NewCompiler(cat).Compile(resourceType, searchTenant, params)
	page, err := store.New(conn).Search(ctx, resourceType, filter, store.SearchOptions{
		Limit:  searchCount,
		Offset: searchOffset,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "total: %d\n", page.Total)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, r := range page.Records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
