// internal/cli/score.go
package vqatrain

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mwiater/vqatrain/internal/accuracy"
	"github.com/mwiater/vqatrain/internal/util"
)

var scoreDetails bool

// scoreCmd rescores prediction logs written by evaluation runs.
var scoreCmd = &cobra.Command{
	Use:   "score <results.jsonl>...",
	Short: "Rescore prediction JSONL files by normalized edit distance",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summaries := make([]accuracy.Summary, 0, len(args))
		for _, path := range args {
			summary, err := accuracy.ScoreFile(path)
			if err != nil {
				return err
			}
			summaries = append(summaries, summary)
		}
		renderScores(cmd.OutOrStdout(), summaries, scoreDetails)
		return nil
	},
}

func renderScores(w io.Writer, summaries []accuracy.Summary, details bool) {
	if details {
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"FILE", "EPOCH", "INDEX", "PREDICTION", "ANSWER", "SCORE"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)
		table.SetAutoWrapText(false)
		for _, s := range summaries {
			for _, r := range s.Results {
				table.Append([]string{
					s.Path,
					fmt.Sprint(r.Epoch),
					fmt.Sprint(r.Index),
					util.TruncateRunes(r.Prediction, 40),
					util.TruncateRunes(r.Answer, 40),
					fmt.Sprintf("%.4f", r.Score),
				})
			}
		}
		table.Render()
		fmt.Fprintln(w)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"FILE", "COUNT", "EMPTY", "MEAN EDIT DISTANCE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, s := range summaries {
		table.Append([]string{s.Path, fmt.Sprint(s.Count), fmt.Sprint(s.Empty), fmt.Sprintf("%.4f", s.Mean)})
	}
	table.Render()
}

func init() {
	scoreCmd.Flags().BoolVar(&scoreDetails, "details", false, "list every scored prediction")
	rootCmd.AddCommand(scoreCmd)
}
