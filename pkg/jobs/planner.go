package jobs

import (
	"sync/atomic"
	"time"

	"github.com/queryfleet/queryfleet/pkg/export"
	"github.com/queryfleet/queryfleet/pkg/query"
)

// Planner expands targets × queries into Job descriptors with unique,
// monotonically assigned identities. One planner instance owns the id
// counter for the whole process.
type Planner struct {
	nextID atomic.Int64
}

// NewPlanner creates a planner whose first job id is 1.
func NewPlanner() *Planner {
	return &Planner{}
}

// Plan builds one Queued job per (target, query) pair, all sharing a
// run timestamp so their outputs land under one run directory.
func (p *Planner) Plan(targets []query.Target, queries []string, settings Settings) []*Job {
	runStamp := export.RunTimestamp(time.Now())

	planned := make([]*Job, 0, len(targets)*len(queries))
	for _, target := range targets {
		for _, queryText := range queries {
			planned = append(planned, &Job{
				ID:           p.nextID.Add(1),
				Target:       target,
				Query:        queryText,
				Settings:     settings,
				RunTimestamp: runStamp,
				Status:       StatusQueued,
			})
		}
	}
	return planned
}

// Replan creates a brand-new Queued job from an existing job's snapshot.
// The original keeps its id, status and history.
func (p *Planner) Replan(original *Job) *Job {
	return &Job{
		ID:           p.nextID.Add(1),
		Target:       original.Target,
		Query:        original.Query,
		Settings:     original.Settings,
		RunTimestamp: export.RunTimestamp(time.Now()),
		Status:       StatusQueued,
	}
}
