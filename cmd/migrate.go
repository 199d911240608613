// services/iotserver/cmd/migrate.go
package cmd

import (
	"fmt"

	"example.com/backstage/services/iotserver/internal/core"
	"example.com/backstage/services/iotserver/internal/infrastructure"
	"github.com/spf13/cobra"
)

var migrateSQLitePath string

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Creates or updates the devices and sensor_data tables on the configured database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().StringVar(&migrateSQLitePath, "sqlite", "", "Migrate the SQLite file at this path instead of the configured database")
}

func runMigrations() error {
	logger.Info("Running database migrations...")

	var (
		db  *infrastructure.Database
		err error
	)
	if migrateSQLitePath != "" {
		db, err = infrastructure.NewSQLiteDatabase(migrateSQLitePath, logger)
	} else {
		db, err = infrastructure.NewDatabase(cfg.Database, logger)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	logger.WithField("driver", db.Driver).Info("Migrating models...")
	for _, model := range core.Models() {
		if err := db.Migrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
		logger.Infof("Migrated %T", model)
	}

	var devices int64
	if err := db.Model(&core.Device{}).Count(&devices).Error; err != nil {
		logger.WithError(err).Warn("Failed to count devices after migration")
	} else {
		logger.WithField("devices", devices).Info("Database migrations completed successfully")
	}
	return nil
}
