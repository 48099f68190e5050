package main

import (
	"context"
	"fmt"

	"github.com/cuemby/stratus/pkg/db"
	"github.com/cuemby/stratus/pkg/pool"
	"github.com/cuemby/stratus/pkg/quota"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the database",
}

var dbBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create the tables",
	Long: `Create the object and quota tables. Existing tables are kept, so the
command can be run against a database that is already in use.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, err := db.Open(cfg.DBConfig())
		if err != nil {
			return err
		}
		defer database.Close()

		ctx := context.Background()
		opts := pool.Options{}
		for _, bootstrap := range []func(context.Context) error{
			pool.NewVMPool(database, opts).Bootstrap,
			pool.NewBackupJobPool(database, opts).Bootstrap,
			quota.NewManager(database, cfg.Quota).Bootstrap,
		} {
			if err := bootstrap(ctx); err != nil {
				return err
			}
		}

		fmt.Printf("✓ Database bootstrapped (%s)\n", database.Backend())
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbBootstrapCmd)
}
