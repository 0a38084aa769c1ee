package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/sqgraph"
	"github.com/liliang-cn/sqgraph/pkg/core"
)

var namespacesCmd = &cobra.Command{
	Use:   "namespaces",
	Short: "List the namespaces of the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		names, err := db.Namespaces()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Manage entities",
}

var entityCreateCmd = &cobra.Command{
	Use:   "create <type> [id]",
	Short: "Create an entity; the id is generated when omitted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("data")
		data, err := parseJSON(raw, "data")
		if err != nil {
			return err
		}
		id := ""
		if len(args) == 2 {
			id = args[1]
		}

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		ent, err := ns.Create(commandContext(cmd), args[0], id, data)
		if err != nil {
			return fmt.Errorf("failed to create entity: %w", err)
		}
		return printJSON(ent)
	},
}

var entityGetCmd = &cobra.Command{
	Use:   "get <type> <id>",
	Short: "Get an entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		ent, err := ns.Get(commandContext(cmd), args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(ent)
	},
}

var entityUpdateCmd = &cobra.Command{
	Use:   "update <type> <id>",
	Short: "Merge a JSON patch into an entity (null removes a field)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("data")
		upsert, _ := cmd.Flags().GetBool("upsert")
		patch, err := parseJSON(raw, "data")
		if err != nil {
			return err
		}

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		var ent *core.Entity
		if upsert {
			ent, err = ns.Upsert(commandContext(cmd), args[0], args[1], patch)
		} else {
			ent, err = ns.Update(commandContext(cmd), args[0], args[1], patch)
		}
		if err != nil {
			return fmt.Errorf("failed to update entity: %w", err)
		}
		return printJSON(ent)
	},
}

var entityDeleteCmd = &cobra.Command{
	Use:   "delete <type> <id>",
	Short: "Delete an entity, optionally cascading to the entities it owns",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cascade, _ := cmd.Flags().GetBool("cascade")
		depth, _ := cmd.Flags().GetInt("depth")
		relations, _ := cmd.Flags().GetStringSlice("relations")

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		res, err := ns.Delete(commandContext(cmd), args[0], args[1], sqgraph.DeleteOptions{
			Cascade:      cascade,
			CascadeDepth: depth,
			Relations:    relations,
		})
		if err != nil {
			return fmt.Errorf("failed to delete entity: %w", err)
		}
		fmt.Printf("Deleted %s (%d edges removed)\n", strings.Join(res.Deleted, ", "), res.EdgesRemoved)
		return nil
	},
}

var entityListCmd = &cobra.Command{
	Use:   "list <type>",
	Short: "List entities of a type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawWhere, _ := cmd.Flags().GetString("where")
		orderBy, _ := cmd.Flags().GetString("order-by")
		desc, _ := cmd.Flags().GetBool("desc")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		where, err := parseJSON(rawWhere, "where")
		if err != nil {
			return err
		}
		opts := sqgraph.QueryOptions{Where: where, OrderBy: orderBy, Limit: limit, Offset: offset}
		if desc {
			opts.Order = "desc"
		}

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		ents, err := ns.List(commandContext(cmd), args[0], opts)
		if err != nil {
			return err
		}
		return printJSON(ents)
	},
}

var entityCountCmd = &cobra.Command{
	Use:   "count <type>",
	Short: "Count entities of a type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawWhere, _ := cmd.Flags().GetString("where")
		where, err := parseJSON(rawWhere, "where")
		if err != nil {
			return err
		}

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		n, err := ns.Count(commandContext(cmd), args[0], where)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <type> <text>",
	Short: "Search entities (lexical, semantic or hybrid)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		limit, _ := cmd.Flags().GetInt("limit")

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		ctx := commandContext(cmd)
		switch mode {
		case "lexical":
			hits, err := ns.Search(ctx, args[0], args[1], sqgraph.SearchOptions{Limit: limit})
			if err != nil {
				return err
			}
			return printJSON(hits)
		case "semantic":
			hits, err := ns.SemanticSearch(ctx, args[0], args[1], sqgraph.SemanticOptions{Limit: limit})
			if err != nil {
				return err
			}
			return printJSON(hits)
		case "hybrid":
			hits, err := ns.HybridSearch(ctx, args[0], args[1], sqgraph.HybridOptions{Limit: limit})
			if err != nil {
				return err
			}
			return printJSON(hits)
		default:
			return fmt.Errorf("unknown search mode %q (use lexical, semantic or hybrid)", mode)
		}
	},
}

var embedCmd = &cobra.Command{
	Use:   "embed <type> [id...]",
	Short: "Generate embeddings for entities of a type (all when no id is given)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		skip, _ := cmd.Flags().GetBool("skip-existing")
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		res, err := ns.BatchEmbed(commandContext(cmd), args[0], args[1:], sqgraph.BatchOptions{
			SkipExisting: skip,
			Concurrency:  concurrency,
		})
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	entityCmd.AddCommand(entityCreateCmd, entityGetCmd, entityUpdateCmd, entityDeleteCmd, entityListCmd, entityCountCmd, searchCmd, embedCmd)

	entityCreateCmd.Flags().String("data", "", "Entity data as JSON")
	entityUpdateCmd.Flags().String("data", "", "Patch as JSON")
	entityUpdateCmd.Flags().Bool("upsert", false, "Create the entity when it does not exist")

	entityDeleteCmd.Flags().Bool("cascade", false, "Also delete owned entities")
	entityDeleteCmd.Flags().Int("depth", 0, "Cascade depth in hops (0 for unlimited)")
	entityDeleteCmd.Flags().StringSlice("relations", nil, "Relations that count as ownership (default all)")

	entityListCmd.Flags().String("where", "", "Filter as JSON")
	entityListCmd.Flags().String("order-by", "", "Field to order by")
	entityListCmd.Flags().Bool("desc", false, "Descending order")
	entityListCmd.Flags().Int("limit", 0, "Limit number of results")
	entityListCmd.Flags().Int("offset", 0, "Skip results")

	entityCountCmd.Flags().String("where", "", "Filter as JSON")

	searchCmd.Flags().String("mode", "lexical", "lexical, semantic or hybrid")
	searchCmd.Flags().Int("limit", 0, "Limit number of results")

	embedCmd.Flags().Bool("skip-existing", false, "Skip entities whose embedding is current")
	embedCmd.Flags().Int("concurrency", 0, "Parallel embedding calls")
}
