// Package selector resolves a claim request's target queue and picks the
// single highest-priority eligible task for the engine to claim.
package selector

import (
	"context"
	"fmt"
	"time"

	"github.com/maxthelion/octopoid-server/internal/db"
	"github.com/maxthelion/octopoid-server/internal/engine"
	"github.com/maxthelion/octopoid-server/internal/roles"
)

// Selector picks eligible tasks and hands them to the engine's claim
// transition. It never mutates state itself.
type Selector struct {
	tasks *db.TaskRepo
	roles *roles.Registry
	eng   *engine.Engine
}

func New(tasks *db.TaskRepo, roleRegistry *roles.Registry, eng *engine.Engine) *Selector {
	return &Selector{tasks: tasks, roles: roleRegistry, eng: eng}
}

// Request describes an orchestrator's claim attempt. RoleFilter/TypeFilter
// may each carry zero, one, or several values; zero means unfiltered.
type Request struct {
	Scope          string
	Queue          string // explicit override; empty means "resolve it"
	RoleFilter     []string
	TypeFilter     []string
	AgentName      string
	OrchestratorID string
	LeaseDuration  time.Duration
}

// ErrNoTask is returned when no eligible task exists for the request. It is
// not a failure: the caller should report it as 404/"no tasks available"
// rather than an engine error.
var ErrNoTask = fmt.Errorf("no eligible task for request")

// Claim resolves the request's queue, selects the oldest highest-priority
// eligible row, and claims it via the engine. Losing a race against another
// selector surfaces as the engine's CONFLICT error, which the request facade
// reports as 409, distinct from ErrNoTask's 404.
func (s *Selector) Claim(ctx context.Context, req Request) (*db.Task, error) {
	if req.Scope == "" {
		return nil, fmt.Errorf("scope is required")
	}

	queue := s.resolveQueue(req)

	candidate, err := s.tasks.ClaimCandidate(ctx, db.TaskFilter{
		Scope: req.Scope,
		Queue: queue,
		Roles: req.RoleFilter,
		Types: req.TypeFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select claim candidate: %w", err)
	}
	if candidate == nil {
		return nil, ErrNoTask
	}

	return s.eng.Claim(ctx, engine.ClaimParams{
		TaskID:          candidate.ID,
		ExpectedQueue:   queue,
		ExpectedVersion: candidate.Version,
		AgentName:       req.AgentName,
		OrchestratorID:  req.OrchestratorID,
		LeaseDuration:   req.LeaseDuration,
		Scope:           req.Scope,
	})
}

// resolveQueue picks the queue a claim targets when the caller did not name
// one explicitly: if exactly one role is in the filter and it carries a
// registered claims_from hint, use that; otherwise default to incoming.
func (s *Selector) resolveQueue(req Request) string {
	if req.Queue != "" {
		return req.Queue
	}
	if len(req.RoleFilter) == 1 && s.roles != nil {
		if role, ok := s.roles.Get(req.RoleFilter[0]); ok && role.ClaimsFrom != "" {
			return role.ClaimsFrom
		}
	}
	return db.QueueIncoming
}
