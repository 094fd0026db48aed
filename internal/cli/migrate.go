package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazypower/feedcal/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and print the schema version",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// Opening the store applies pending migrations.
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	v, err := db.SchemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	fmt.Printf("%s schema at version %d (%s)\n", db.Driver, v, db.Path)
	return nil
}
