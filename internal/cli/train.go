// internal/cli/train.go
package vqatrain

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mwiater/vqatrain/internal/appconfig"
	"github.com/mwiater/vqatrain/internal/trainer"
)

var trainOverrides struct {
	epochs       int
	batchSize    int
	learningRate float64
}

// trainCmd represents the train command.
var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fine-tune the backend model on trainData, validating on valData after each epoch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runConfig(cmd)
		if err != nil {
			return err
		}
		return trainer.RunCommand(cmd.Context(), cfg, trainer.ModeTrain, cmd.OutOrStdout())
	},
}

// evaluateCmd represents the evaluate command.
var evaluateCmd = &cobra.Command{
	Use:     "evaluate",
	Aliases: []string{"eval"},
	Short:   "Generate answers for valData and score them by normalized edit distance",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runConfig(cmd)
		if err != nil {
			return err
		}
		return trainer.RunCommand(cmd.Context(), cfg, trainer.ModeEvaluate, cmd.OutOrStdout())
	},
}

// runConfig applies command-local overrides to a copy of the loaded config.
func runConfig(cmd *cobra.Command) (*appconfig.Config, error) {
	loaded := GetConfig()
	if loaded == nil {
		return nil, fmt.Errorf("configuration is not initialized")
	}
	cfg := *loaded
	flags := cmd.Flags()
	if flags.Changed("epochs") {
		cfg.MaxEpochs = trainOverrides.epochs
	}
	if flags.Changed("batch-size") {
		cfg.BatchSize = trainOverrides.batchSize
	}
	if flags.Changed("learning-rate") {
		cfg.LearningRate = trainOverrides.learningRate
	}
	return &cfg, nil
}

func init() {
	trainCmd.Flags().IntVar(&trainOverrides.epochs, "epochs", 0, "override maxEpochs")
	trainCmd.Flags().IntVar(&trainOverrides.batchSize, "batch-size", 0, "override batchSize")
	trainCmd.Flags().Float64Var(&trainOverrides.learningRate, "learning-rate", 0, "override learningRate")
	evaluateCmd.Flags().IntVar(&trainOverrides.batchSize, "batch-size", 0, "override batchSize")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(evaluateCmd)
}
