// Package pagination serves ordered, paged views over job listings.
package pagination

import (
	"errors"
	"sort"

	"github.com/djsplit/api/internal/model"
)

// ErrInvalidRequest is returned for page or pageSize values below 1.
var ErrInvalidRequest = errors.New("invalid pagination request")

// DefaultPageSize is used when a listing request does not specify one.
const DefaultPageSize = 10

// Result is one page of jobs with listing totals.
type Result struct {
	Items      []*model.Job
	Page       int
	PageSize   int
	TotalJobs  int
	TotalPages int
}

// Paginate orders jobs by creation time (identifier as tiebreak) and returns
// the requested 1-based page. pageSize is clamped to maxPageSize. A page
// beyond the last yields an empty item list with accurate totals.
func Paginate(jobs []*model.Job, page, pageSize, maxPageSize int) (*Result, error) {
	if page < 1 || pageSize < 1 {
		return nil, ErrInvalidRequest
	}
	if maxPageSize > 0 && pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	sorted := make([]*model.Job, len(jobs))
	copy(sorted, jobs)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	totalJobs := len(sorted)
	totalPages := (totalJobs + pageSize - 1) / pageSize

	start := (page - 1) * pageSize
	if start >= totalJobs {
		return &Result{
			Items:      []*model.Job{},
			Page:       page,
			PageSize:   pageSize,
			TotalJobs:  totalJobs,
			TotalPages: totalPages,
		}, nil
	}

	end := start + pageSize
	if end > totalJobs {
		end = totalJobs
	}

	return &Result{
		Items:      sorted[start:end],
		Page:       page,
		PageSize:   pageSize,
		TotalJobs:  totalJobs,
		TotalPages: totalPages,
	}, nil
}
