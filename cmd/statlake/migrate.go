package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/statlake/statlake/pkg/catalog"
	"github.com/statlake/statlake/pkg/config"
	"github.com/statlake/statlake/pkg/rollup"
)

func allMigrations() []catalog.Migration {
	return append(catalog.BaseMigrations(), rollup.Migrations(rollup.Shipped())...)
}

func parsePhase(s string) (catalog.Phase, error) {
	switch s {
	case "":
		return catalog.PhaseAll, nil
	case "pre":
		return catalog.PhasePreDeploy, nil
	case "post":
		return catalog.PhasePostDeploy, nil
	}
	return "", fmt.Errorf("invalid phase %q (want pre or post)", s)
}

func openCatalog() (*catalog.Catalog, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return catalog.Open(catalogPath(cfg))
}

func newMigrateCmd() *cobra.Command {
	var phaseFlag string

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the catalog schema",
	}
	migrate.PersistentFlags().StringVar(&phaseFlag, "phase", "", "restrict to a deploy phase: pre or post")

	apply := &cobra.Command{
		Use:   "apply",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := parsePhase(phaseFlag)
			if err != nil {
				return err
			}
			cat, err := openCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			ctx := context.Background()
			pending, err := cat.Pending(ctx, allMigrations(), phase)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				cmd.Println("nothing to apply, schema is current")
				return nil
			}
			if err := cat.Migrate(ctx, allMigrations(), phase); err != nil {
				return err
			}
			cmd.Printf("applied %d migrations\n", len(pending))
			return nil
		},
	}

	dryRun := &cobra.Command{
		Use:   "dry-run",
		Short: "List migrations that apply would run, without running them",
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := parsePhase(phaseFlag)
			if err != nil {
				return err
			}
			cat, err := openCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			pending, err := cat.Pending(context.Background(), allMigrations(), phase)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				cmd.Println("nothing to apply, schema is current")
				return nil
			}
			for _, m := range pending {
				cmd.Printf("would apply %03d_%s (%s)\n", m.Version, m.Name, m.Phase)
			}
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			st, err := cat.MigrationStatus(context.Background(), allMigrations())
			if err != nil {
				return err
			}
			for _, m := range st.Applied {
				cmd.Printf("applied  %03d_%s (%s)\n", m.Version, m.Name, m.Phase)
			}
			for _, m := range st.Pending {
				cmd.Printf("pending  %03d_%s (%s)\n", m.Version, m.Name, m.Phase)
			}
			cmd.Printf("%d applied, %d pending\n", len(st.Applied), len(st.Pending))
			return nil
		},
	}

	migrate.AddCommand(apply, dryRun, status)
	return migrate
}
