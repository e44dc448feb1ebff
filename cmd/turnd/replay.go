package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"speech-turn-service/internal/observability/logging"
	"speech-turn-service/internal/replay"
)

var (
	replayFile     string
	replayLogLevel string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a scripted conversation through a dispatcher",
	Long: `Replay feeds the steps of a YAML script (partial, final, segment, end,
agent, reset, wait) to a fresh dispatcher and prints every message, decision
and completed turn with its offset from the start of the run.`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVarP(&replayFile, "file", "f", "", "replay script (YAML)")
	replayCmd.Flags().StringVar(&replayLogLevel, "log-level", "warn", "dispatcher log level")
	_ = replayCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, _ []string) error {
	logging.InitWithWriter(logging.Config{Level: replayLogLevel, Format: "console"}, cmd.ErrOrStderr())

	script, err := replay.Load(replayFile)
	if err != nil {
		return fmt.Errorf("load %s: %w", replayFile, err)
	}
	res, err := replay.Run(cmd.Context(), script, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d turn(s), %d decision(s), %d message(s)\n",
		len(res.Turns), len(res.Decisions), len(res.Messages))
	return nil
}
