package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/clipwatch/internal/jobs"
)

func newDownloadCmd(opts *rootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "download <job-id>",
		Short: "Save the clips of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir != "" {
				opts.downloadDir = dir
			}
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.client.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return saveClips(cmd.Context(), a, newRenderer(cmd.OutOrStdout()), st.Normalize())
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "o", "", "Target directory (default downloads.dir)")
	return cmd
}

func saveClips(ctx context.Context, a *app, r *renderer, st jobs.JobStatus) error {
	paths, err := a.saver.SaveJob(ctx, st)
	for _, p := range paths {
		r.printf("saved %s\n", p)
	}
	return err
}
