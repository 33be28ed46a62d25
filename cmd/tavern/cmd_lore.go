package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tavern/internal/lorebook"
	"tavern/internal/types"
)

var (
	loreCategory string
	loreKeywords []string
)

var loreCmd = &cobra.Command{
	Use:   "lore",
	Short: "Inspect and edit the lorebook",
}

var loreListCmd = &cobra.Command{
	Use:   "list",
	Short: "List lorebook entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		entries, err := a.lorebook.List(cmd.Context(), a.cfg.Lorebook)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CATEGORY\tNAME\tKEYWORDS\tSTATUS")
		for _, e := range entries {
			status := ""
			if e.Completed {
				status = "completed"
			} else if len(e.States) > 0 {
				status = strings.Join(e.States, "; ")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				e.Category, e.Name, strings.Join(e.Keywords, ", "), status)
		}
		return w.Flush()
	},
}

var loreAddCmd = &cobra.Command{
	Use:   "add <name> <content>",
	Short: "Add a lorebook entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		keywords := loreKeywords
		if len(keywords) == 0 {
			keywords = []string{args[0]}
		}
		id, err := a.lorebook.Add(cmd.Context(), lorebook.Entry{
			LorebookID: a.cfg.Lorebook,
			Category:   types.EntryCategory(loreCategory),
			Name:       args[0],
			Content:    args[1],
			Keywords:   keywords,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Added %s entry %s\n", loreCategory, id)
		return nil
	},
}

func init() {
	loreAddCmd.Flags().StringVar(&loreCategory, "category", "other", "entry category (characters, items, goals, locations, other)")
	loreAddCmd.Flags().StringSliceVar(&loreKeywords, "keyword", nil, "activation keyword (repeatable)")
	loreCmd.AddCommand(loreListCmd)
	loreCmd.AddCommand(loreAddCmd)
}
