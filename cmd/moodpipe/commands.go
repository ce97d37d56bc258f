package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <file.wav>",
	Short: "Upload a WAV file for mood analysis",
	Long: `Upload a WAV file for mood analysis.

The file is queued for asynchronous processing; use "moodpipe results" or
"moodpipe job <id>" to check on it.

Examples:
  moodpipe submit recording.wav
  moodpipe submit --wait recording.wav`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening file: %w", err)
		}
		defer f.Close()

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postFile(cmd.Context(), "/uploads", args[0], f)
		if err != nil {
			return err
		}

		var result struct {
			UploadID string `json:"upload_id"`
			JobID    string `json:"job_id"`
			Status   string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued upload %s (job %s)", result.UploadID, result.JobID)
		if !wait {
			return nil
		}
		return waitForJob(cmd, client, result.JobID)
	},
}

func waitForJob(cmd *cobra.Command, client *apiClient, jobID string) error {
	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}

		resp, err := client.get(ctx, "/jobs/"+jobID)
		if err != nil {
			return err
		}
		var job struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		switch job.Status {
		case "completed":
			printSuccess("Job %s completed", jobID)
			return nil
		case "failed":
			printError("Job %s failed: %s", jobID, job.Error)
			return fmt.Errorf("job failed: %s", job.Error)
		}
	}
}

func init() {
	submitCmd.Flags().Bool("wait", false, "poll until the job reaches a terminal state")
}

// --- results ---

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Show recent mood analysis results",
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path, method := "/results", client.get
		if refresh {
			path = "/results/refresh"
			method = func(ctx context.Context, p string) (*http.Response, error) {
				return client.post(ctx, p, nil)
			}
		}
		resp, err := method(cmd.Context(), path)
		if err != nil {
			return err
		}

		var body struct {
			Predictions []struct {
				ID     string `json:"id"`
				Scores struct {
					SoundClassification string  `json:"sound_classification"`
					YamnetConfidence    float64 `json:"yamnet_confidence"`
					Emotion             string  `json:"emotion"`
					EmotionScore        float64 `json:"emotion_score"`
				} `json:"scores"`
				CreatedAt time.Time `json:"created_at"`
			} `json:"predictions"`
			FetchedAt int64 `json:"fetched_at"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(body)
		}

		if len(body.Predictions) == 0 {
			fmt.Println("No results yet.")
			return nil
		}

		for _, p := range body.Predictions {
			fmt.Printf("%s  %s  %s (%.2f) / %s (%.2f)\n",
				colorize(colorCyan, p.ID[:8]),
				p.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				p.Scores.SoundClassification, p.Scores.YamnetConfidence,
				colorize(colorBold, p.Scores.Emotion), p.Scores.EmotionScore,
			)
		}
		return nil
	},
}

func init() {
	resultsCmd.Flags().Bool("refresh", false, "force a fresh fetch instead of the cached snapshot")
	resultsCmd.Flags().Bool("json", false, "print the raw JSON response")
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Show a job's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs/"+args[0])
		if err != nil {
			return err
		}

		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream change events as they happen (Ctrl-C to stop)",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		resp, err := client.stream(ctx, "/events")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var e struct {
				Table     string    `json:"table"`
				ID        string    `json:"id"`
				CreatedAt time.Time `json:"created_at"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
				continue
			}
			fmt.Printf("%s  new %s  %s\n",
				e.CreatedAt.Local().Format("15:04:05"),
				e.Table,
				colorize(colorCyan, e.ID),
			)
		}
		if ctx.Err() != nil {
			return nil
		}
		return scanner.Err()
	},
}
