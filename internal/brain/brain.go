// Package brain turns a work item into a validated plan. A brain is
// the only nondeterministic component in the system; everything it
// returns is schema-validated before any other component sees it.
package brain

import (
	"context"

	"github.com/quarryhq/quarry/pkg/models"
)

// Request carries everything a brain needs to plan one work item.
type Request struct {
	// Item is the claimed work item.
	Item *models.WorkItem
	// Project is the item's project.
	Project *models.Project
	// Instructions is optional extra system guidance for this agent.
	Instructions string
}

// Usage reports token consumption for one planning call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	// Cost is the estimated cost in USD.
	Cost float64
}

// Brain produces a plan for a work item.
type Brain interface {
	// Plan returns a validated response. An error means the call or
	// validation failed; a response with Kind error means the brain
	// itself declined.
	Plan(ctx context.Context, req Request) (*models.BrainResponse, Usage, error)
}
