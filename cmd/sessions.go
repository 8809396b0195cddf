package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var sessionJSON bool

var sessionCmd = &cobra.Command{
	Use:   "session <id>",
	Short: "Show a session's profiles, conflicts, and clarifications",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		view, err := env.Manager.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if sessionJSON {
			out, err := json.MarshalIndent(view, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		printSessionView(view)
		return nil
	},
}

func init() {
	sessionCmd.Flags().BoolVar(&sessionJSON, "json", false, "print the full session view as JSON")
	rootCmd.AddCommand(sessionCmd)
}
