package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/engramlabs/engram/internal/engine"
	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/search"
	"github.com/engramlabs/engram/internal/storage"
)

var (
	memProject    string
	memKind       string
	memTags       string
	memTitle      string
	memImportance float64
	memLimit      int
	memBudget     int
	memTypes      string
	memMaxDepth   int
	memActor      string
	memStrength   float64
)

var memCmd = &cobra.Command{
	Use:   "mem",
	Short: "Work with stored memories",
}

var memAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Create a memory (dedup applies)",
	Args:  cobra.ExactArgs(1),
	RunE:  memAdd,
}

var memShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one memory",
	Args:  cobra.ExactArgs(1),
	RunE:  memShow,
}

var memSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Hybrid search over memories",
	Args:  cobra.ExactArgs(1),
	RunE:  memSearch,
}

var memContextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Pack top memories into a token budget",
	Args:  cobra.ExactArgs(1),
	RunE:  memContext,
}

var memTimelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "List memories newest first",
	RunE:  memTimeline,
}

var memHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show a memory's audit history",
	Args:  cobra.ExactArgs(1),
	RunE:  memHistory,
}

var memAssessCmd = &cobra.Command{
	Use:   "assess <id>",
	Short: "Show trust score and quality issues",
	Args:  cobra.ExactArgs(1),
	RunE:  memAssess,
}

var memChainCmd = &cobra.Command{
	Use:   "chain <id>",
	Short: "Follow outgoing relations breadth-first",
	Args:  cobra.ExactArgs(1),
	RunE:  memChain,
}

var memLinkCmd = &cobra.Command{
	Use:   "link <source-id> <target-id> <type>",
	Short: "Add a typed relation between two memories",
	Args:  cobra.ExactArgs(3),
	RunE:  memLink,
}

var memDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Hard-delete a memory and its relations",
	Args:  cobra.ExactArgs(1),
	RunE:  memDelete,
}

var memConsolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Merge near-duplicate active memories",
	RunE:  memConsolidate,
}

func init() {
	memAddCmd.Flags().StringVar(&memProject, "project", "default", "project id")
	memAddCmd.Flags().StringVar(&memKind, "kind", "observation", "memory kind")
	memAddCmd.Flags().StringVar(&memTitle, "title", "", "memory title")
	memAddCmd.Flags().StringVar(&memTags, "tags", "", "comma-separated tags")
	memAddCmd.Flags().Float64Var(&memImportance, "importance", 0.5, "importance in [0,1]")
	memAddCmd.Flags().StringVar(&memActor, "actor", "", "creating actor")

	memSearchCmd.Flags().StringVar(&memProject, "project", "default", "project id")
	memSearchCmd.Flags().StringVar(&memKind, "kind", "", "restrict to kind")
	memSearchCmd.Flags().IntVar(&memLimit, "limit", 10, "max results")

	memContextCmd.Flags().StringVar(&memProject, "project", "default", "project id")
	memContextCmd.Flags().IntVar(&memBudget, "budget", 2000, "token budget")

	memTimelineCmd.Flags().StringVar(&memProject, "project", "default", "project id")
	memTimelineCmd.Flags().StringVar(&memKind, "kind", "", "restrict to kind")
	memTimelineCmd.Flags().IntVar(&memLimit, "limit", 50, "max results")

	memChainCmd.Flags().StringVar(&memTypes, "types", "", "comma-separated relation types")
	memChainCmd.Flags().IntVar(&memMaxDepth, "max-depth", 0, "max hops (0 = default)")

	memDeleteCmd.Flags().StringVar(&memActor, "actor", "", "deleting actor")

	memConsolidateCmd.Flags().StringVar(&memProject, "project", "default", "project id")

	memLinkCmd.Flags().Float64Var(&memStrength, "strength", 1.0, "relation strength in [0,1]")

	memCmd.AddCommand(memAddCmd, memShowCmd, memSearchCmd, memContextCmd,
		memTimelineCmd, memHistoryCmd, memAssessCmd, memChainCmd,
		memLinkCmd, memDeleteCmd, memConsolidateCmd)
	rootCmd.AddCommand(memCmd)
}

// printJSON writes indented JSON to stdout; all mem subcommands emit
// machine-readable output so they compose with jq.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func memAdd(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.engine.Create(cmd.Context(), engine.CreateInput{
		Kind:       memKind,
		Title:      memTitle,
		Content:    args[0],
		Tags:       splitCSV(memTags),
		Importance: memImportance,
		ProjectID:  memProject,
		CreatedBy:  memActor,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func memShow(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	m, err := a.engine.Get(cmd.Context(), args[0])
	if err != nil {
		if m == nil || !errors.Is(err, model.ErrDimensionMismatch) {
			return err
		}
		fmt.Fprintln(os.Stderr, "warning: embedding dimension mismatch, run reembed")
	}
	return printJSON(m)
}

func memSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	results, err := a.searcher.Search(cmd.Context(), search.Query{
		ProjectID: memProject,
		Text:      args[0],
		Kind:      memKind,
		Limit:     memLimit,
	})
	if err != nil {
		return err
	}
	return printJSON(results)
}

func memContext(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	pack, err := a.searcher.Context(cmd.Context(), search.Query{
		ProjectID: memProject,
		Text:      args[0],
	}, memBudget)
	if err != nil {
		return err
	}
	return printJSON(pack)
}

func memTimeline(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	mems, err := a.engine.Timeline(cmd.Context(), storage.Filter{
		ProjectID: memProject,
		Kind:      memKind,
		Limit:     memLimit,
	})
	if err != nil {
		return err
	}
	return printJSON(mems)
}

func memHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	entries, err := a.engine.History(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func memAssess(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	assessment, err := a.scorer.Assess(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(assessment)
}

func memChain(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	chain, err := a.graph.FollowChain(cmd.Context(), args[0], splitCSV(memTypes), memMaxDepth)
	if err != nil {
		return err
	}
	return printJSON(chain)
}

func memLink(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	r := &model.Relation{
		SourceID:  args[0],
		TargetID:  args[1],
		Type:      args[2],
		Strength:  memStrength,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.graph.AddRelation(cmd.Context(), r); err != nil {
		return err
	}
	return printJSON(r)
}

func memDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.engine.Delete(cmd.Context(), args[0], memActor); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, args[0])
	return nil
}

func memConsolidate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	consolidator, err := a.newConsolidator()
	if err != nil {
		return err
	}
	report, err := consolidator.Run(cmd.Context(), memProject)
	if err != nil {
		return err
	}
	return printJSON(report)
}
