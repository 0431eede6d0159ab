// Package report renders an aggregation payload for the terminal. The
// aggregate command prints either a ranked table with a run summary or the
// raw payload as JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/tbourn/go-contributors-backend/internal/domain"
)

// Output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// Options control rendering.
type Options struct {
	Format string // table (default) or json
	Colors bool
	Limit  int // rows shown in the table; <= 0 shows everyone
}

// Write renders payload to w.
func Write(w io.Writer, payload domain.Payload, opts Options) error {
	switch strings.ToLower(opts.Format) {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	case "", FormatTable:
		return writeTable(w, payload, opts)
	default:
		return fmt.Errorf("unknown output format %q", opts.Format)
	}
}

type palette struct {
	kind  map[domain.Kind]func(...any) string
	warn  func(...any) string
	faint func(...any) string
}

func newPalette(enabled bool) palette {
	if !enabled {
		return palette{kind: map[domain.Kind]func(...any) string{}, warn: fmt.Sprint, faint: fmt.Sprint}
	}
	mk := func(attrs ...color.Attribute) func(...any) string {
		c := color.New(attrs...)
		c.EnableColor()
		return c.SprintFunc()
	}
	return palette{
		kind: map[domain.Kind]func(...any) string{
			domain.KindPullRequest: mk(color.FgGreen),
			domain.KindReview:      mk(color.FgCyan),
			domain.KindCommit:      mk(color.FgYellow),
		},
		warn:  mk(color.FgRed, color.Bold),
		faint: mk(color.Faint),
	}
}

func (p palette) kindLabel(k domain.Kind) string {
	if f, ok := p.kind[k]; ok {
		return f(string(k))
	}
	return string(k)
}

func writeTable(w io.Writer, payload domain.Payload, opts Options) error {
	pal := newPalette(opts.Colors)

	table := tablewriter.NewWriter(w)
	defer func() { _ = table.Close() }()
	table.Header([]string{"Rank", "Login", "Contributions", "Latest", "Date", "Repo"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.PerColumn = []tw.Align{
			tw.AlignRight, tw.AlignLeft, tw.AlignRight, tw.AlignLeft, tw.AlignLeft, tw.AlignLeft,
		}
	})

	people := payload.People
	if opts.Limit > 0 && len(people) > opts.Limit {
		people = people[:opts.Limit]
	}
	data := make([][]string, 0, len(people))
	for i, p := range people {
		data = append(data, []string{
			strconv.Itoa(i + 1),
			p.Login,
			strconv.Itoa(p.ContributionCount),
			pal.kindLabel(p.Latest.Kind),
			p.Latest.Date.UTC().Format(time.DateOnly),
			p.Latest.Repo,
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}
	return writeSummary(w, payload, len(people), pal)
}

func writeSummary(w io.Writer, payload domain.Payload, shown int, pal palette) error {
	m := payload.Meta
	lines := []string{
		fmt.Sprintf("Showing %d of %d contributors", shown, len(payload.People)),
		fmt.Sprintf("Window: %s .. %s", m.Since.UTC().Format(time.DateOnly), m.Until.UTC().Format(time.DateOnly)),
		fmt.Sprintf("Orgs: %s", strings.Join(m.Orgs, ", ")),
	}
	if len(m.ExcludeOrgs) > 0 {
		lines = append(lines, fmt.Sprintf("Excluded: %s", strings.Join(m.ExcludeOrgs, ", ")))
	}
	lines = append(lines,
		fmt.Sprintf("Scanned %d repos, %d pull requests; %d PRs, %d reviews, %d commits",
			m.ReposScanned, m.PullRequestsInspected, m.Counts.PullRequests, m.Counts.Reviews, m.Counts.Commits),
		pal.faint(fmt.Sprintf("Completed in %v", time.Duration(m.DurationMs)*time.Millisecond)),
	)
	if n := len(m.Errors); n > 0 {
		lines = append(lines, pal.warn(fmt.Sprintf("%d units failed:", n)))
		for _, e := range m.Errors {
			lines = append(lines, fmt.Sprintf("  [%s] %s: %s", e.Phase, e.Unit, e.Message))
		}
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

// WriteFailedJobs renders parked refresh jobs as a table.
// Job parameters are redacted first; a queued token never reaches output.
func WriteFailedJobs(w io.Writer, jobs []domain.RefreshJob, opts Options) error {
	jobs = redactJobs(jobs)
	if strings.EqualFold(opts.Format, FormatJSON) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	pal := newPalette(opts.Colors)
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(w, pal.faint("No failed jobs."))
		return err
	}

	table := tablewriter.NewWriter(w)
	defer func() { _ = table.Close() }()
	table.Header([]string{"Job", "Orgs", "Attempts", "Enqueued", "Last error"})

	data := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		enqueued := "-"
		if !j.EnqueuedAt.IsZero() {
			enqueued = j.EnqueuedAt.UTC().Format(time.RFC3339)
		}
		data = append(data, []string{
			j.ID,
			strings.Join(j.Params.Orgs, ","),
			strconv.Itoa(j.Attempts),
			enqueued,
			pal.warn(truncate(j.LastError, 80)),
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func redactJobs(jobs []domain.RefreshJob) []domain.RefreshJob {
	out := make([]domain.RefreshJob, len(jobs))
	for i, j := range jobs {
		j.Params = j.Params.Redacted()
		out[i] = j
	}
	return out
}
