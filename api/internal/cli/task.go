package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func taskCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "task <id>",
		Short: "Show a cultural-work task and the model its photos go to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			d, err := opts.load()
			if err != nil {
				return err
			}
			task, err := d.tasks.Task(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tarea %d: %s\n", task.ID, task.Name)
			fmt.Fprintf(out, "Tipo: %s\n", task.TypeLabel)
			fmt.Fprintf(out, "Modelo: %s\n", d.client.Model(task.TypeLabel))
			return nil
		},
	}
}

func modelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "model <type label>",
		Short: "Print the detection model selected for a task type label",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := opts.load()
			if err != nil {
				return err
			}
			label := args[0]
			for _, a := range args[1:] {
				label += " " + a
			}
			fmt.Fprintln(cmd.OutOrStdout(), d.selector.Select(label))
			return nil
		},
	}
}
