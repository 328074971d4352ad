package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newListCommand(global *globalFlags) *cobra.Command {
	flags := &targetFlags{}
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent exports for a document, dataroom or group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sess, err := openSession(ctx, cmd, global)
			if err != nil {
				return err
			}
			target := flags.target()
			if err := target.Validate(); err != nil {
				return err
			}
			items, err := sess.client.ListExports(ctx, target, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tRESOURCE\tERROR")
			for _, item := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					item.ID, item.Status, item.CreatedAt.Local().Format(time.DateTime), item.ResourceName, item.Error)
			}
			return w.Flush()
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of exports to show")
	return cmd
}
