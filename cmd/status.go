package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

// jobSummary is the subset of a job the status command displays.
type jobSummary struct {
	ID                string    `json:"id"`
	State             string    `json:"state"`
	Generation        int       `json:"generation"`
	Evaluations       int       `json:"evaluations"`
	BestScore         float64   `json:"bestScore"`
	InitialScore      float64   `json:"initialScore"`
	FractionRemaining float64   `json:"fractionRemaining"`
	Elapsed           float64   `json:"elapsed"`
	EvaluationsPerSec float64   `json:"evaluationsPerSec"`
	Persisted         bool      `json:"persisted"`
	StartTime         time.Time `json:"startTime"`
	Error             string    `json:"error"`
	Config            struct {
		Optimizer struct {
			TimeResolution   int `json:"timeResolution"`
			PopulationAmount int `json:"populationAmount"`
			SurviverAmount   int `json:"surviverAmount"`
			Generations      int `json:"generations"`
		} `json:"optimizer"`
		Backend    string `json:"backend"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		ResumeFrom string `json:"resumeFrom"`
	} `json:"config"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listJobs(cmd.OutOrStdout(), fmt.Sprintf("%s/api/v1/jobs", serverURL))
	}
	jobID := args[0]
	return getJobStatus(cmd.OutOrStdout(), fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID), jobID)
}

func listJobs(w io.Writer, url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var jobs []jobSummary
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}

	fmt.Fprintf(w, "Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(w, "Job ID: %s\n", job.ID)
		fmt.Fprintf(w, "  State: %s\n", job.State)
		fmt.Fprintf(w, "  Steps: %d, Generations: %d/%d\n",
			job.Config.Optimizer.TimeResolution, job.Generation+1, job.Config.Optimizer.Generations)
		if job.Evaluations > 0 {
			fmt.Fprintf(w, "  Score: %.0f -> %.0f\n", job.InitialScore, job.BestScore)
		}
		fmt.Fprintln(w)
	}

	return nil
}

func getJobStatus(w io.Writer, url, jobID string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var status jobSummary
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(w, "Job: %s\n", status.ID)
	fmt.Fprintf(w, "State: %s\n", status.State)
	fmt.Fprintln(w)

	cfg := status.Config
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Time steps: %d\n", cfg.Optimizer.TimeResolution)
	fmt.Fprintf(w, "  Population: %d (survivors %d)\n", cfg.Optimizer.PopulationAmount, cfg.Optimizer.SurviverAmount)
	fmt.Fprintf(w, "  Generations: %d\n", cfg.Optimizer.Generations)
	fmt.Fprintf(w, "  Canvas: %dx%d (%s)\n", cfg.Width, cfg.Height, cfg.Backend)
	if cfg.ResumeFrom != "" {
		fmt.Fprintf(w, "  Resumed from: %s\n", cfg.ResumeFrom)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Progress:")
	if status.Evaluations > 0 {
		fmt.Fprintf(w, "  Generation: %d\n", status.Generation)
		fmt.Fprintf(w, "  Initial Score: %.0f\n", status.InitialScore)
		fmt.Fprintf(w, "  Best Score: %.0f\n", status.BestScore)
		fmt.Fprintf(w, "  Fraction remaining: %.6f\n", status.FractionRemaining)
	}

	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Fprintf(w, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))

	if status.EvaluationsPerSec > 0 {
		fmt.Fprintf(w, "  Throughput: %.1f evaluations/sec\n", status.EvaluationsPerSec)
	}
	if status.Persisted {
		fmt.Fprintln(w, "  Checkpoint: saved")
	}

	if status.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", status.Error)
	}

	return nil
}
