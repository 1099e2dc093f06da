package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/clipwatch/internal/jobs"
	"github.com/jo-hoe/clipwatch/internal/submit"
)

func addOptionFlags(cmd *cobra.Command, o *submit.Options) {
	cmd.Flags().IntVarP(&o.ClipCount, "clips", "n", 0, "Number of clips (1-10, default 3)")
	cmd.Flags().IntVarP(&o.ClipDuration, "duration", "d", 0, "Clip duration in seconds (15-90, default 40)")
	cmd.Flags().StringVarP(&o.Platform, "platform", "p", "", "Target platform: youtube, tiktok, instagram")
	cmd.Flags().StringVar(&o.DetectionMode, "mode", "", "Detection mode: smart, quick, even")
	cmd.Flags().BoolVar(&o.EnableSubtitles, "subtitles", false, "Burn in subtitles")
	cmd.Flags().StringVar(&o.SubtitleStyle, "subtitle-style", "", "Subtitle style: standard, highlight")
	cmd.Flags().BoolVar(&o.EnableFaceTracking, "face-tracking", false, "Keep faces centered when cropping")
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var o submit.Options
	var detach, save bool
	cmd := &cobra.Command{
		Use:   "submit <video-url>",
		Short: "Submit one video and follow it until it settles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			w, err := a.submit.SubmitOne(cmd.Context(), args[0], o)
			if err != nil {
				return err
			}
			r := newRenderer(cmd.OutOrStdout())
			r.printf("%s %s (%d clips)\n", r.paint(titleStyle, "job "+w.Job.JobID), w.Job.VideoTitle, w.Job.ClipCount)
			if detach {
				w.Poller.Stop()
				return nil
			}
			last, err := follow(r, w.Poller, w.Updates)
			if err != nil || !save {
				return err
			}
			return saveClips(cmd.Context(), a, r, last)
		},
	}
	addOptionFlags(cmd, &o)
	cmd.Flags().BoolVar(&detach, "detach", false, "Print the job id and exit without waiting")
	cmd.Flags().BoolVar(&save, "save", false, "Download the clips into downloads.dir when the job completes")
	return cmd
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow an existing job until it settles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			p, updates, err := a.submit.Watch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			r := newRenderer(cmd.OutOrStdout())
			last, err := follow(r, p, updates)
			if err != nil || !save {
				return err
			}
			return saveClips(cmd.Context(), a, r, last)
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "Download the clips into downloads.dir when the job completes")
	return cmd
}

// follow prints every stage change and the clips of a successful job.
// A failed job is reported as an error so the exit code reflects it.
func follow(r *renderer, p *jobs.Poller, updates <-chan jobs.Update) (jobs.JobStatus, error) {
	var last jobs.JobStatus
	seen := false
	for u := range updates {
		if seen && u.Status.Status == last.Status && u.Status.Progress == last.Progress && u.Warning == nil {
			continue
		}
		r.update(u)
		last = u.Status
		seen = true
	}
	if last.Status.IsSuccess() {
		r.clips(last)
	}
	r.result(p.Result(), last)
	if last.Status.IsFailed() {
		return last, fmt.Errorf("job %s failed: %s", p.ID(), last.Error)
	}
	return last, nil
}

func newBatchCmd(opts *rootOptions) *cobra.Command {
	var o submit.Options
	var file string
	cmd := &cobra.Command{
		Use:   "batch [video-urls...]",
		Short: "Submit up to 20 videos and follow the batch",
		Long: `Submit several videos sharing one set of options.

URLs come from the arguments and/or a file with one URL per line.

Example:
  clipwatch batch https://youtu.be/a https://youtu.be/b
  clipwatch batch --file urls.txt --clips 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			urls, err := collectURLs(args, file)
			if err != nil {
				return err
			}
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			bw, err := a.submit.SubmitBatch(cmd.Context(), urls, o)
			if err != nil {
				return err
			}
			r := newRenderer(cmd.OutOrStdout())
			r.receipt(bw.Receipt)
			return followBatch(r, bw)
		},
	}
	addOptionFlags(cmd, &o)
	cmd.Flags().StringVarP(&file, "file", "f", "", "File with URLs (one per line, # for comments)")
	return cmd
}

func followBatch(r *renderer, bw *submit.BatchWatch) error {
	var last jobs.BatchState
	prevLine := ""
	for st := range bw.States {
		last = st
		line := r.batchLine(st)
		if line != prevLine {
			r.printf("%s\n", line)
			prevLine = line
		}
	}
	r.batchJobs(last)
	if bw.Aggregator.TimedOut() {
		r.printf("%s\n", r.paint(pendingStyle, "some jobs are still running after the wait limit"))
	}
	if last.Failed() > 0 {
		return fmt.Errorf("%d of %d jobs failed", last.Failed(), last.TotalJobs)
	}
	return nil
}

// collectURLs merges arguments and file lines, skipping blanks and comments.
func collectURLs(args []string, file string) ([]string, error) {
	var out []string
	for _, a := range args {
		if s := strings.TrimSpace(a); s != "" {
			out = append(out, s)
		}
	}
	if file != "" {
		f, err := os.Open(file) // #nosec G304 - user supplied input file
		if err != nil {
			return nil, fmt.Errorf("open url file: %w", err)
		}
		defer func() { _ = f.Close() }()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			out = append(out, line)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read url file: %w", err)
		}
	}
	if len(out) == 0 {
		return nil, submit.ErrEmptyBatch
	}
	return out, nil
}
