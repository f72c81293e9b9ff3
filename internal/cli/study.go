package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/terra-clan/research-engine/internal/study"
)

// NewStudyCommand creates the study command group.
func NewStudyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "study",
		Short: "Inspect study definitions",
	}

	cmd.AddCommand(newStudyValidateCommand(rootOpts))
	cmd.AddCommand(newStudyPrintCommand(rootOpts))

	return cmd
}

func newStudyValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "validate [file]",
		Short:        "Check a study file (default: the built-in study)",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := readStudy(rootOpts, cmd, args)
			if err != nil {
				return err
			}

			summary := map[string]any{
				"valid":           true,
				"name":            st.Name,
				"practice_trials": len(st.Practice),
				"main_trials":     len(st.Main),
				"questions":       countQuestions(st.Questionnaire),
			}
			return printResult(rootOpts, cmd.OutOrStdout(), summary, func(w io.Writer) {
				fmt.Fprintf(w, "%s: ok (%d practice, %d main trials, %d questions)\n",
					st.Name, len(st.Practice), len(st.Main), countQuestions(st.Questionnaire))
			})
		},
	}
}

func newStudyPrintCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "print [file]",
		Short:        "Print the resolved study",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := readStudy(rootOpts, cmd, args)
			if err != nil {
				return err
			}

			return printResult(rootOpts, cmd.OutOrStdout(), st, func(w io.Writer) {
				fmt.Fprintf(w, "study:          %s\n", st.Name)
				fmt.Fprintf(w, "trial seconds:  %d\n", st.TrialSeconds)
				fmt.Fprintf(w, "max selections: %d\n", st.MaxSelections)
				printGroups(w, "practice", st.Practice)
				printGroups(w, "main", st.Main)
				fmt.Fprintln(w, "questionnaire:")
				for _, sec := range st.Questionnaire.Sections {
					fmt.Fprintf(w, "  %-12s %3d questions, scale %d-%d\n", sec.Name, sec.Questions, sec.ScaleMin, sec.ScaleMax)
				}
			})
		},
	}
}

func readStudy(rootOpts *RootOptions, cmd *cobra.Command, args []string) (*study.Study, error) {
	setupLogger(rootOpts, cmd.ErrOrStderr(), slog.LevelWarn)

	var path string
	if len(args) == 1 {
		path = args[0]
	}

	loader, err := loadStudy(path)
	if err != nil {
		return nil, err
	}
	return loader.Current(), nil
}

func printGroups(w io.Writer, label string, groups [][]string) {
	fmt.Fprintf(w, "%s trials:\n", label)
	for i, items := range groups {
		fmt.Fprintf(w, "  %2d. %v\n", i+1, items)
	}
}

func countQuestions(l study.Layout) int {
	n := 0
	for _, sec := range l.Sections {
		n += sec.Questions
	}
	return n
}
