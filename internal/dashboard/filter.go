// Package dashboard applies the dashboard's job filters and sort orders to a
// fetch result.
package dashboard

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/Jabawack/bay-area-radar/internal/pipeline"
)

// SortKey orders filtered jobs.
type SortKey string

// Sort orders.
const (
	SortDistance SortKey = "distance"
	SortSalary   SortKey = "salary"
	SortRecent   SortKey = "recent"
	SortCompany  SortKey = "company"
)

// DefaultMaxDistance is the commute radius in miles used when none is set.
const DefaultMaxDistance = 25

// Sort positions for jobs without a usable distance.
const (
	remoteDistance  = -1
	unknownDistance = 999
)

// ParseSortKey validates a sort order from user input.
func ParseSortKey(raw string) (SortKey, error) {
	switch k := SortKey(strings.ToLower(strings.TrimSpace(raw))); k {
	case SortDistance, SortSalary, SortRecent, SortCompany:
		return k, nil
	case "":
		return SortDistance, nil
	default:
		return "", fmt.Errorf("invalid sort order %q", raw)
	}
}

// FilterState is the set of filters the dashboard shows.
type FilterState struct {
	WorkTypes   []pipeline.WorkType
	MaxDistance float64
	// MinSalary drops jobs whose advertised salary is lower. Jobs with no
	// salary are kept.
	MinSalary float64
	Query     string
	SortBy    SortKey
}

// DefaultFilters shows every work type within DefaultMaxDistance, nearest
// first.
func DefaultFilters() FilterState {
	return FilterState{
		WorkTypes:   pipeline.WorkTypes(),
		MaxDistance: DefaultMaxDistance,
		SortBy:      SortDistance,
	}
}

// Apply returns the jobs that pass f, sorted. jobs is not modified.
func (f FilterState) Apply(jobs []pipeline.Job) []pipeline.Job {
	query := strings.ToLower(strings.TrimSpace(f.Query))
	out := make([]pipeline.Job, 0, len(jobs))
	for _, job := range jobs {
		if f.keep(job, query) {
			out = append(out, job)
		}
	}
	f.sort(out)
	return out
}

func (f FilterState) keep(job pipeline.Job, query string) bool {
	if !slices.Contains(f.WorkTypes, job.WorkType) {
		return false
	}
	if job.WorkType != pipeline.WorkRemote && job.DistanceMiles != nil && *job.DistanceMiles > f.MaxDistance {
		return false
	}
	if f.MinSalary > 0 {
		if salary, ok := salaryOf(job); ok && salary < f.MinSalary {
			return false
		}
	}
	if query != "" {
		fields := append([]string{job.Title, job.Company, job.Description}, job.Skills...)
		if !strings.Contains(strings.ToLower(strings.Join(fields, " ")), query) {
			return false
		}
	}
	return true
}

func (f FilterState) sort(jobs []pipeline.Job) {
	switch f.SortBy {
	case SortDistance:
		slices.SortStableFunc(jobs, func(a, b pipeline.Job) int {
			return cmp.Compare(distanceKey(a), distanceKey(b))
		})
	case SortCompany:
		// Collators are not safe for concurrent use.
		c := collate.New(language.English, collate.IgnoreCase)
		slices.SortStableFunc(jobs, func(a, b pipeline.Job) int {
			return c.CompareString(a.Company, b.Company)
		})
	case SortRecent:
		slices.SortStableFunc(jobs, func(a, b pipeline.Job) int {
			return cmp.Compare(postedKey(b), postedKey(a))
		})
	case SortSalary:
		slices.SortStableFunc(jobs, func(a, b pipeline.Job) int {
			sa, okA := salaryOf(a)
			sb, okB := salaryOf(b)
			switch {
			case okA && okB:
				return cmp.Compare(sb, sa)
			case okA:
				return -1
			case okB:
				return 1
			default:
				return 0
			}
		})
	}
}

func distanceKey(job pipeline.Job) float64 {
	if job.WorkType == pipeline.WorkRemote {
		return remoteDistance
	}
	if job.DistanceMiles == nil {
		return unknownDistance
	}
	return *job.DistanceMiles
}

func postedKey(job pipeline.Job) int64 {
	if job.PostedAt == nil || job.PostedAt.IsZero() {
		return 0
	}
	return job.PostedAt.UnixMilli()
}

// salaryOf prefers the top of the advertised range.
func salaryOf(job pipeline.Job) (float64, bool) {
	switch {
	case job.SalaryMax != nil:
		return *job.SalaryMax, true
	case job.SalaryMin != nil:
		return *job.SalaryMin, true
	default:
		return 0, false
	}
}
