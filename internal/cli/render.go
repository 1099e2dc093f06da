package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/jo-hoe/clipwatch/internal/admin"
	"github.com/jo-hoe/clipwatch/internal/api"
	"github.com/jo-hoe/clipwatch/internal/jobs"
	"github.com/jo-hoe/clipwatch/internal/submit"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	titleStyle   = lipgloss.NewStyle().Bold(true)
)

// renderer prints status lines, styled only when writing to a terminal.
type renderer struct {
	w      io.Writer
	styled bool
}

func newRenderer(w io.Writer) *renderer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &renderer{w: w, styled: styled}
}

func (r *renderer) paint(s lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}

func (r *renderer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.w, format, args...)
}

func (r *renderer) stage(st jobs.Stage) string {
	switch st.Outcome() {
	case jobs.OutcomeSuccess:
		return r.paint(successStyle, string(st))
	case jobs.OutcomeFailed:
		return r.paint(failedStyle, string(st))
	default:
		return r.paint(pendingStyle, string(st))
	}
}

func (r *renderer) jobLine(st jobs.JobStatus) string {
	title := st.VideoTitle
	if title == "" {
		title = st.ID
	}
	line := fmt.Sprintf("%-12s %3d%%  %s", r.stage(st.Status), st.Progress, title)
	if st.Status.IsFailed() && st.Error != "" {
		line += "  " + r.paint(dimStyle, st.Error)
	}
	return line
}

func (r *renderer) update(u jobs.Update) {
	r.printf("%s\n", r.jobLine(u.Status))
	if u.Warning != nil {
		r.printf("  %s\n", r.paint(dimStyle, "warning: "+u.Warning.Error()))
	}
}

func (r *renderer) clips(st jobs.JobStatus) {
	for i, c := range st.Clips {
		at := time.Duration(c.StartTime * float64(time.Second)).Round(time.Second)
		r.printf("  %d. %s  at %s, %.0fs, hook %.0f%%\n", i+1, c.Filename, at, c.Duration, c.HookScore*100)
		if c.DownloadURL != "" {
			r.printf("     %s\n", r.paint(dimStyle, c.DownloadURL))
		}
	}
}

func (r *renderer) result(res jobs.Result, st jobs.JobStatus) {
	switch res {
	case jobs.ResultTimedOut:
		r.printf("%s\n", r.paint(pendingStyle, "still "+string(st.Status)+" after the wait limit; the job keeps running on the service"))
	case jobs.ResultRemoved:
		r.printf("%s\n", r.paint(failedStyle, "job was deleted"))
	}
}

func (r *renderer) batchLine(s jobs.BatchState) string {
	return fmt.Sprintf("%s  %d/%d done  %s %d  %s %d  %s %d  overall %d%%",
		r.paint(titleStyle, "batch "+s.BatchID),
		s.Completed()+s.Failed(), s.TotalJobs,
		r.paint(successStyle, "completed"), s.Completed(),
		r.paint(failedStyle, "failed"), s.Failed(),
		r.paint(pendingStyle, "in progress"), s.InProgress(),
		s.OverallProgress())
}

func (r *renderer) receipt(rc submit.BatchReceipt) {
	r.printf("%s accepted %d, rejected %d\n", r.paint(titleStyle, "batch "+rc.BatchID), len(rc.Accepted), len(rc.Rejected))
	for _, rej := range rc.Rejected {
		r.printf("  %s #%d %s: %s\n", r.paint(failedStyle, "rejected"), rej.Index+1, rej.URL, rej.Error)
	}
}

func (r *renderer) batchJobs(s jobs.BatchState) {
	for _, st := range s.Ordered() {
		r.printf("  %s\n", r.jobLine(st))
	}
}

func (r *renderer) listing(page *api.JobPage) {
	if len(page.Jobs) == 0 {
		r.printf("no jobs\n")
		return
	}
	for _, j := range page.Jobs {
		title := j.VideoTitle
		if title == "" {
			title = "(untitled)"
		}
		r.printf("%-10s %-12s %3d%%  %-40s %s\n", j.ID, r.stage(j.Status), j.Progress, truncate(title, 40),
			r.paint(dimStyle, humanize.Time(j.CreatedAt)))
		if j.Error != "" {
			r.printf("           %s\n", r.paint(dimStyle, j.Error))
		}
	}
	r.printf("page %d, %d of %s jobs\n", max(page.Page, 1), len(page.Jobs), humanize.Comma(int64(page.Total)))
}

func (r *renderer) cleanup(sum admin.CleanupSummary) {
	r.printf("removed %d entries (%d downloads, %d output), freed %s\n",
		sum.Removed, sum.DownloadsRemoved, sum.OutputRemoved, humanize.Bytes(uint64(max(sum.BytesFreed, 0))))
}

func (r *renderer) stats(st *api.Stats) {
	r.printf("%s %d total, %d completed, %d failed, %d active, %d waiting, %d today\n",
		r.paint(titleStyle, "jobs"), st.Total, st.Completed, st.Failed, st.Active, st.Waiting, st.JobsToday)
	avg := time.Duration(st.AvgProcessingTime * float64(time.Second)).Round(time.Second)
	r.printf("%s %s average processing\n", r.paint(titleStyle, "time"), avg)
	r.printf("%s downloads %s, output %s, total %s\n", r.paint(titleStyle, "disk"),
		humanize.Bytes(uint64(max(st.DiskUsage.Downloads, 0))),
		humanize.Bytes(uint64(max(st.DiskUsage.Output, 0))),
		humanize.Bytes(uint64(max(st.DiskUsage.Total, 0))))
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n-1])) + "…"
}
