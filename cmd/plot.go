package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/cwbudde/sofasweep/internal/store"
)

var (
	plotOutPath string
	plotWidth   float64
	plotHeight  float64
)

var plotCmd = &cobra.Command{
	Use:   "plot [run-id]",
	Short: "Plot the score history of a run",
	Long: `Reads the generation trace of a stored run and draws the best and mean
score per generation. The plot is written next to the run unless --out is set.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlot,
}

func init() {
	plotCmd.Flags().StringVar(&plotOutPath, "out", "", "Output PNG path (default <run-dir>/history.png)")
	plotCmd.Flags().Float64Var(&plotWidth, "plot-width", 6, "Plot width in inches")
	plotCmd.Flags().Float64Var(&plotHeight, "plot-height", 4, "Plot height in inches")
	rootCmd.AddCommand(plotCmd)
}

func runPlot(cmd *cobra.Command, args []string) error {
	runID := args[0]

	entries, err := store.LoadTrace(dataDir, runID)
	if err != nil {
		return fmt.Errorf("failed to load trace of run %s: %w", runID, err)
	}

	out := plotOutPath
	if out == "" {
		out = filepath.Join(filepath.Dir(store.TracePath(dataDir, runID)), "history.png")
	}

	if err := plotHistory(entries, "Run "+shortID(runID), out, vg.Length(plotWidth)*vg.Inch, vg.Length(plotHeight)*vg.Inch); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d generations)\n", out, len(entries))
	return nil
}

// plotHistory draws best and mean score against generation and saves it; the
// format follows the file extension.
func plotHistory(entries []store.TraceEntry, title, outPath string, width, height vg.Length) error {
	if len(entries) == 0 {
		return fmt.Errorf("trace is empty")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Generation"
	p.Y.Label.Text = "Uncovered pixels"

	bestPts := make(plotter.XYs, len(entries))
	meanPts := make(plotter.XYs, len(entries))
	for i, e := range entries {
		bestPts[i].X = float64(e.Generation)
		bestPts[i].Y = e.BestScore
		meanPts[i].X = float64(e.Generation)
		meanPts[i].Y = e.MeanScore
	}

	bestLine, err := plotter.NewLine(bestPts)
	if err != nil {
		return err
	}
	meanLine, err := plotter.NewLine(meanPts)
	if err != nil {
		return err
	}
	meanLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(bestLine, meanLine, plotter.NewGrid())
	p.Legend.Add("best", bestLine)
	p.Legend.Add("mean", meanLine)
	p.Legend.Top = true
	p.Legend.Left = true

	if err := p.Save(width, height, outPath); err != nil {
		return fmt.Errorf("failed to save plot: %w", err)
	}
	return nil
}
