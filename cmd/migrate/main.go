// Command migrate runs schema migrations against the Persistent Store's
// Postgres database via golang-migrate.
package main

import (
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/familyassist/orchestrator/config"
)

func main() {
	var cfgPath, dir, direction string
	var steps int

	root := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = "file://migrations"
			}
			return runMigrate(dir, dsn, direction, steps)
		},
	}
	root.Flags().StringVar(&dir, "dir", "file://migrations", "migrations source (file://migrations)")
	root.Flags().StringVar(&direction, "direction", "up", "up or down")
	root.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runMigrate(dir, dsn, direction string, steps int) error {
	m, err := migrate.New(dir, dsn)
	if err != nil {
		return err
	}
	switch direction {
	case "up":
		if steps > 0 {
			return ignoreNoChange(m.Steps(steps))
		}
		return ignoreNoChange(m.Up())
	case "down":
		if steps > 0 {
			return ignoreNoChange(m.Steps(-steps))
		}
		return ignoreNoChange(m.Down())
	default:
		return fmt.Errorf("unknown direction: %s", direction)
	}
}

func ignoreNoChange(err error) error {
	if err == migrate.ErrNoChange {
		return nil
	}
	return err
}
