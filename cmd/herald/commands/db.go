package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/herald/am/geotime"
	"github.com/teranos/herald/db"
	"github.com/teranos/herald/logger"
	"github.com/teranos/herald/pulse/schedule"
	"github.com/teranos/herald/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage herald database",
	Long: sym.DB + ` db — Manage herald database operations

Examples:
  herald db migrate              # Apply pending schema migrations
  herald db canonicalize         # Rewrite stored timestamps into canonical UTC form`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbCanonicalizeCmd = &cobra.Command{
	Use:   "canonicalize",
	Short: "Rewrite non-canonical stored timestamps",
	Long: `Rewrite every stored job timestamp that is not in canonical UTC form
(YYYY-MM-DDTHH:MM:SS.sssZ). Timestamps without an offset are read as
business-timezone wall clock. Safe to run more than once.`,
	RunE: runDbCanonicalize,
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (default: database.path)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbCanonicalizeCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}
	fmt.Printf("%s Schema up to date (%d migrations applied)\n", sym.DB, len(versions))
	for _, v := range versions {
		fmt.Printf("  %s\n", v)
	}
	return nil
}

func runDbCanonicalize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	zone, err := geotime.LoadZone(cfg.Business.Timezone)
	if err != nil {
		return err
	}
	path := dbPathFlag
	if path == "" {
		path = cfg.GetDatabasePath()
	}
	database, err := openDatabase(path)
	if err != nil {
		return err
	}
	defer database.Close()

	store := schedule.NewStore(database, zone, logger.ComponentLogger("schedule"))
	n, err := store.Canonicalize(cmd.Context())
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Rewrote %d job row(s) (business timezone %s)", n, zone.Name())
	return nil
}
