package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "turnd",
	Short:        "Speech turn service: transcript reconciliation and turn-completion dispatch",
	SilenceUsage: true,
	Long: `turnd ingests live speech recognition fragments per conversation, keeps
one reconciled transcript, and decides when the speaker's turn is complete
so the response pipeline runs exactly once per utterance.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
