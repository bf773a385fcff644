package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Jabawack/bay-area-radar/internal/client"
	"github.com/Jabawack/bay-area-radar/internal/config"
	"github.com/Jabawack/bay-area-radar/internal/dashboard"
	"github.com/Jabawack/bay-area-radar/internal/logging"
	"github.com/Jabawack/bay-area-radar/internal/pipeline"
)

type fetchOptions struct {
	url         string
	apiKey      string
	noStream    bool
	timeout     time.Duration
	workTypes   []string
	maxDistance float64
	minSalary   float64
	query       string
	sortBy      string
	asJSON      bool
	quiet       bool
}

func newFetchCmd() *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Runs one fetch against a relay and prints the filtered jobs",
		Long: `Subscribes to the relay's progress stream, printing each pipeline stage
as it starts and finishes, then filters and sorts the result the way the
dashboard does. When the stream is unavailable the client falls back to the
non-streaming endpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFetchCommand(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "", "relay base url (default http://localhost:<server.port>)")
	f.StringVar(&opts.apiKey, "api-key", "", "API key (default auth.api_key)")
	f.BoolVar(&opts.noStream, "no-stream", false, "skip the event stream and use the one-shot endpoint")
	f.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "give up after this long")
	f.StringSliceVar(&opts.workTypes, "work-type", nil, "work types to show: remote, hybrid, onsite (default all)")
	f.Float64Var(&opts.maxDistance, "max-distance", 0, "hide non-remote jobs farther than this many miles (default home.max_commute_miles)")
	f.Float64Var(&opts.minSalary, "min-salary", 0, "hide jobs advertising less than this")
	f.StringVar(&opts.query, "query", "", "case-insensitive search over title, company, description and skills")
	f.StringVar(&opts.sortBy, "sort", string(dashboard.SortDistance), "sort order: distance, salary, recent, company")
	f.BoolVar(&opts.asJSON, "json", false, "print the filtered jobs as JSON")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "do not print stage progress")
	return cmd
}

func runFetchCommand(cmd *cobra.Command, opts *fetchOptions) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	filters, err := opts.filters(cmd, cfg)
	if err != nil {
		return err
	}

	logger, err := logging.NewWithLevel(cfg.Logging.Development, "warn")
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	base := opts.url
	if base == "" {
		base = "http://" + net.JoinHostPort("localhost", strconv.Itoa(cfg.Server.Port))
	}
	apiKey := opts.apiKey
	if apiKey == "" && cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}

	var observer client.Observer
	if !opts.quiet {
		observer = newProgressPrinter(cmd.ErrOrStderr()).observe
	}
	c, err := client.New(client.Config{
		BaseURL:       base,
		APIKey:        apiKey,
		DisableStream: opts.noStream,
		Observer:      observer,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	sess, err := c.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("start fetch: %w", err)
	}
	snap, err := sess.Wait(ctx)
	if err != nil {
		if len(snap.Errors) > 0 {
			return fmt.Errorf("fetch failed: %s", strings.Join(snap.Errors, "; "))
		}
		return fmt.Errorf("fetch failed: %w", err)
	}
	if snap.Result == nil {
		return errors.New("fetch finished without a result")
	}
	if snap.Degraded {
		logger.Warn("progress stream unavailable, used the one-shot endpoint")
	}

	jobs := filters.Apply(snap.Result.Jobs)
	out := cmd.OutOrStdout()
	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(jobs); err != nil {
			return fmt.Errorf("encode jobs: %w", err)
		}
		return nil
	}
	return printJobs(out, cfg.Home, filters, *snap.Result, jobs)
}

func (o *fetchOptions) filters(cmd *cobra.Command, cfg config.Config) (dashboard.FilterState, error) {
	filters := dashboard.DefaultFilters()
	filters.MaxDistance = cfg.Home.MaxCommuteMiles
	if cmd.Flags().Changed("max-distance") {
		if o.maxDistance < 0 {
			return filters, errors.New("--max-distance must be >= 0")
		}
		filters.MaxDistance = o.maxDistance
	}
	if len(o.workTypes) > 0 {
		filters.WorkTypes = nil
		for _, raw := range o.workTypes {
			wt, err := parseWorkType(raw)
			if err != nil {
				return filters, err
			}
			filters.WorkTypes = append(filters.WorkTypes, wt)
		}
	}
	sortBy, err := dashboard.ParseSortKey(o.sortBy)
	if err != nil {
		return filters, err
	}
	filters.SortBy = sortBy
	filters.MinSalary = o.minSalary
	filters.Query = o.query
	return filters, nil
}

func parseWorkType(raw string) (pipeline.WorkType, error) {
	want := pipeline.WorkType(strings.ToLower(strings.TrimSpace(raw)))
	for _, wt := range pipeline.WorkTypes() {
		if wt == want {
			return wt, nil
		}
	}
	return "", fmt.Errorf("invalid work type %q", raw)
}

// progressPrinter writes a line whenever a stage changes status.
type progressPrinter struct {
	w    io.Writer
	seen map[string]client.StepStatus
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, seen: map[string]client.StepStatus{}}
}

func (p *progressPrinter) observe(snap client.Snapshot) {
	for _, step := range snap.Steps {
		if p.seen[step.Stage] == step.Status {
			continue
		}
		p.seen[step.Stage] = step.Status
		mark := "..."
		if step.Status == client.StepComplete {
			mark = "ok "
		}
		line := fmt.Sprintf("[%s] %s", mark, step.Label)
		if step.Count != nil {
			line += fmt.Sprintf(" (%d)", *step.Count)
		}
		_, _ = fmt.Fprintln(p.w, line)
	}
}

func printJobs(w io.Writer, home config.HomeConfig, filters dashboard.FilterState, result pipeline.FetchResult, jobs []pipeline.Job) error {
	_, _ = fmt.Fprintf(w, "Commuting from %s (%s), within %g mi\n", home.City, home.Zip, filters.MaxDistance)
	_, _ = fmt.Fprintf(w, "Showing %d of %d jobs (%d found)\n", len(jobs), len(result.Jobs), result.TotalFound)
	for _, msg := range result.Errors {
		_, _ = fmt.Fprintf(w, "warning: %s\n", msg)
	}
	if len(jobs) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TITLE\tCOMPANY\tWORK\tDISTANCE\tSALARY\tSOURCE")
	for _, job := range jobs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			job.Title, job.Company, job.WorkType, distanceText(job), salaryText(job), job.Source)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write jobs: %w", err)
	}
	return nil
}

func distanceText(job pipeline.Job) string {
	switch {
	case job.WorkType == pipeline.WorkRemote:
		return "remote"
	case job.DistanceMiles == nil:
		return "-"
	default:
		return fmt.Sprintf("%.1f mi", *job.DistanceMiles)
	}
}

func salaryText(job pipeline.Job) string {
	switch {
	case job.SalaryMin != nil && job.SalaryMax != nil:
		return fmt.Sprintf("$%.0fk-$%.0fk", *job.SalaryMin/1000, *job.SalaryMax/1000)
	case job.SalaryMax != nil:
		return fmt.Sprintf("up to $%.0fk", *job.SalaryMax/1000)
	case job.SalaryMin != nil:
		return fmt.Sprintf("from $%.0fk", *job.SalaryMin/1000)
	default:
		return "-"
	}
}
