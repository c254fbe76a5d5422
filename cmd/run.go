package cmd

import (
	"log"

	"github.com/rolecall-bot/rolecall/rolecall"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the RoleCall bot and admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			rc, err := rolecall.New(cfg)
			if err != nil {
				log.Fatalf("error creating rolecall: %s", err.Error())
			}

			if err = rc.Run(ctx); err != nil {
				log.Fatalf("error running rolecall: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
