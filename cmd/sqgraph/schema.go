package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/liliang-cn/sqgraph"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage schemas and migrations",
}

// readTypeMap loads a type map from a .yaml, .toml or .json file
func readTypeMap(path string) (sqgraph.TypeMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file '%s': %w", path, err)
	}
	var types sqgraph.TypeMap
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &types)
	default:
		// YAML is a superset of JSON
		err = yaml.Unmarshal(data, &types)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema file '%s': %w", path, err)
	}
	return types, nil
}

var schemaSetCmd = &cobra.Command{
	Use:   "set <file>",
	Short: "Apply the types of a schema file as a new version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		types, err := readTypeMap(args[0])
		if err != nil {
			return err
		}

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		res, err := ns.SetSchema(commandContext(cmd), types)
		if err != nil {
			return err
		}
		if !res.Changed {
			fmt.Printf("Schema unchanged at version %d\n", res.Version)
			return nil
		}
		for _, c := range res.Changes {
			fmt.Printf("  %s %s.%s\n", c.Kind, c.Entity, c.Field)
		}
		fmt.Printf("Schema version %d (%d rows backfilled)\n", res.Version, res.Backfilled)
		return nil
	},
}

var schemaDiffCmd = &cobra.Command{
	Use:   "diff <file>",
	Short: "Show what applying a schema file would change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		types, err := readTypeMap(args[0])
		if err != nil {
			return err
		}

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		diff, err := ns.DiffSchema(commandContext(cmd), types)
		if err != nil {
			return err
		}
		return printJSON(diff)
	},
}

var schemaShowCmd = &cobra.Command{
	Use:   "show [version]",
	Short: "Show the live schema or a past version",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version := 0
		if len(args) == 1 {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q", args[0])
			}
			version = v
		}

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		snap, err := ns.Schema(commandContext(cmd), version)
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

var schemaHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List schema versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		history, err := ns.SchemaHistory(commandContext(cmd))
		if err != nil {
			return err
		}
		return printJSON(history)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <version> <up> [down]",
	Short: "Run a raw SQL migration atomically",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		down := ""
		if len(args) == 3 {
			down = args[2]
		}

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if err := ns.Migrate(commandContext(cmd), version, args[1], down); err != nil {
			return err
		}
		fmt.Printf("Migration %d applied\n", version)
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <version>",
	Short: "Roll back the latest migration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if err := ns.Rollback(commandContext(cmd), version); err != nil {
			return err
		}
		fmt.Printf("Migration %d rolled back\n", version)
		return nil
	},
}

var migrationsCmd = &cobra.Command{
	Use:   "migrations",
	Short: "List applied migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		migrations, err := ns.Migrations(commandContext(cmd))
		if err != nil {
			return err
		}
		for _, m := range migrations {
			fmt.Printf("%d\t%s\t%s\n", m.Version, m.AppliedAt.Format("2006-01-02 15:04:05"), m.Up)
		}
		return nil
	},
}

func init() {
	schemaCmd.AddCommand(schemaSetCmd, schemaDiffCmd, schemaShowCmd, schemaHistoryCmd, migrateCmd, rollbackCmd, migrationsCmd)
}
