package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/sqgraph"
)

var relCmd = &cobra.Command{
	Use:   "rel",
	Short: "Manage relationships",
}

var relAddCmd = &cobra.Command{
	Use:   "add <from> <relation> <to>",
	Short: "Relate two entities (idempotent)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("metadata")
		var metadata map[string]any
		if raw != "" {
			var err error
			if metadata, err = parseJSON(raw, "metadata"); err != nil {
				return err
			}
		}

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		rel, err := ns.Relate(commandContext(cmd), args[0], args[1], args[2], metadata)
		if err != nil {
			return fmt.Errorf("failed to relate: %w", err)
		}
		return printJSON(rel)
	},
}

var relRemoveCmd = &cobra.Command{
	Use:   "remove <from> <relation> <to>",
	Short: "Remove a relationship",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		removed, err := ns.Unrelate(commandContext(cmd), args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if !removed {
			fmt.Println("No such relationship")
			return nil
		}
		fmt.Printf("Removed %s -%s-> %s\n", args[0], args[1], args[2])
		return nil
	},
}

var relListCmd = &cobra.Command{
	Use:   "list",
	Short: "List relationships",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		relation, _ := cmd.Flags().GetString("relation")
		limit, _ := cmd.Flags().GetInt("limit")

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		rels, err := ns.Relationships(commandContext(cmd), sqgraph.RelationshipFilter{
			FromID: from, ToID: to, Relation: relation, Limit: limit,
		})
		if err != nil {
			return err
		}
		for _, r := range rels {
			fmt.Printf("%s -%s-> %s\n", r.FromID, r.Relation, r.ToID)
		}
		return nil
	},
}

var traverseCmd = &cobra.Command{
	Use:   "traverse <start> <relation>...",
	Short: "Walk a relation path from an entity",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		direction, _ := cmd.Flags().GetString("direction")
		typeFilter, _ := cmd.Flags().GetString("type")
		withMeta, _ := cmd.Flags().GetBool("metadata")

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		ents, err := ns.Traverse(commandContext(cmd), args[0], args[1:], sqgraph.TraversalOptions{
			Direction:       sqgraph.Direction(direction),
			TypeFilter:      typeFilter,
			IncludeMetadata: withMeta,
		})
		if err != nil {
			return err
		}
		return printJSON(ents)
	},
}

var neighborsCmd = &cobra.Command{
	Use:   "neighbors <id>",
	Short: "List entities within a number of hops",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		direction, _ := cmd.Flags().GetString("direction")
		depth, _ := cmd.Flags().GetInt("depth")
		relations, _ := cmd.Flags().GetStringSlice("relations")

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		ents, err := ns.Neighbors(commandContext(cmd), args[0], sqgraph.NeighborOptions{
			Direction: sqgraph.Direction(direction),
			MaxDepth:  depth,
			Relations: relations,
		})
		if err != nil {
			return err
		}
		return printJSON(ents)
	},
}

var graphStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show graph statistics and the top PageRank entities",
	RunE: func(cmd *cobra.Command, args []string) error {
		top, _ := cmd.Flags().GetInt("top")

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		ctx := commandContext(cmd)
		stats, err := ns.GraphStatistics(ctx)
		if err != nil {
			return err
		}
		ranks, err := ns.PageRank(ctx, sqgraph.PageRankOptions{Limit: top})
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"statistics": stats, "pagerank": ranks})
	},
}

var graphExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the namespace graph as GraphML or JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		db, ns, err := openNamespace(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		w := io.Writer(os.Stdout)
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer func() { _ = f.Close() }()
			w = f
		}
		return ns.ExportGraph(commandContext(cmd), w, sqgraph.ExportFormat(format))
	},
}

func init() {
	relCmd.AddCommand(relAddCmd, relRemoveCmd, relListCmd, traverseCmd, neighborsCmd, graphStatsCmd, graphExportCmd)
	graphExportCmd.Flags().String("format", "json", "Export format (json/graphml)")
	graphExportCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	graphStatsCmd.Flags().Int("top", 10, "Number of PageRank entries")

	relAddCmd.Flags().String("metadata", "", "Edge metadata as JSON")

	relListCmd.Flags().String("from", "", "Filter by source id")
	relListCmd.Flags().String("to", "", "Filter by target id")
	relListCmd.Flags().String("relation", "", "Filter by relation")
	relListCmd.Flags().Int("limit", 0, "Limit number of results")

	traverseCmd.Flags().String("direction", "out", "Direction (in/out/both)")
	traverseCmd.Flags().String("type", "", "Only return entities of this type")
	traverseCmd.Flags().Bool("metadata", false, "Attach last hop edge metadata")

	neighborsCmd.Flags().String("direction", "both", "Direction (in/out/both)")
	neighborsCmd.Flags().Int("depth", 1, "Maximum hops")
	neighborsCmd.Flags().StringSlice("relations", nil, "Relations to follow (default any)")
}
