package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tavern/internal/llm"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List configured backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		reg := llm.Global()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tVARIANT\tURL\tSTREAMING\tSLOTS")
		for _, id := range reg.IDs() {
			b, _ := reg.Get(id)
			sem, _ := reg.Controller(id)
			cfg := b.Config()
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d/%d\n",
				cfg.ID, cfg.Variant, cfg.URL, cfg.Streaming, sem.InUse(), sem.Capacity())
		}
		return w.Flush()
	},
}
