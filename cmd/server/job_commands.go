package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/makeasinger/jobengine/internal/model"
	"github.com/makeasinger/jobengine/internal/service"
	"github.com/makeasinger/jobengine/internal/store"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var owner string
	var priority int
	var jc model.JobConfig

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a generation job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			comps, err := newComponents(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer comps.close()

			svc := service.NewJobService(comps.jobs, comps.queue, comps.tracker, comps.metadata)
			resp, err := svc.Submit(cmd.Context(), owner, &model.SubmitJobRequest{Config: jc, Priority: priority})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.JobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner user ID")
	cmd.Flags().StringVar(&jc.Topic, "topic", "", "Topic of the video")
	cmd.Flags().StringVar(&jc.Description, "description", "", "Additional instructions")
	cmd.Flags().StringVar(&jc.Quality, "quality", "", "Quality: low, medium, high or production")
	cmd.Flags().StringVar(&jc.Style, "style", "", "Visual style")
	cmd.Flags().StringVar(&jc.Language, "language", "", "Two-letter language code")
	cmd.Flags().IntVar(&jc.MaxScenes, "scenes", 0, "Maximum number of scenes")
	cmd.Flags().BoolVar(&jc.Subtitles, "subtitles", false, "Burn in subtitles")
	cmd.Flags().IntVar(&priority, "priority", 0, "Priority 0-9, higher runs first")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("topic")

	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobId>",
		Short: "Show the state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			comps, err := newComponents(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer comps.close()

			job, err := comps.tracker.GetStatus(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("job %s not found", args[0])
				}
				return err
			}
			meta, err := comps.metadata.GetMetadata(cmd.Context(), job.ID)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderJob(job, meta))
			return nil
		},
	}
}

func renderJob(job *model.Job, meta *model.VideoMetadata) string {
	rows := [][]string{
		{"Job", job.ID},
		{"Owner", job.OwnerID},
		{"Status", string(job.Status)},
		{"Progress", fmt.Sprintf("%.1f%%", job.Progress)},
		{"Stage", job.CurrentStage},
		{"Completed stages", strings.Join(job.CompletedStages, ", ")},
		{"Attempt", strconv.Itoa(job.Attempt)},
		{"Worker", job.WorkerID},
		{"Message", job.Message},
		{"Created", formatTime(&job.CreatedAt)},
		{"Started", formatTime(job.StartedAt)},
		{"Completed", formatTime(job.CompletedAt)},
	}
	if job.CancelRequested && !job.Status.IsTerminal() {
		rows = append(rows, []string{"Cancel", "requested"})
	}
	if job.Error != nil {
		rows = append(rows,
			[]string{"Error", fmt.Sprintf("%s: %s", job.Error.Code, job.Error.Message)},
			[]string{"Failed stage", job.Error.Stage},
			[]string{"Retries", strconv.Itoa(job.Error.RetryCount)},
		)
	}
	if job.Result != nil {
		rows = append(rows,
			[]string{"Video", job.Result.VideoURL},
			[]string{"Thumbnails", strconv.Itoa(len(job.Result.ThumbnailURLs))},
		)
	}
	if meta != nil {
		t := meta.Technical
		rows = append(rows,
			[]string{"Duration", fmt.Sprintf("%.1fs", t.Duration)},
			[]string{"Resolution", fmt.Sprintf("%dx%d", t.Width, t.Height)},
			[]string{"Size", strconv.FormatInt(t.Size, 10)},
		)
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format(time.DateTime)
}
