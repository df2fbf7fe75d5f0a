package orchestrator

import (
	"context"

	"github.com/agentforge/agentcore/internal/reasoning"
)

// Applier is the external collaborator interface for the version-control
// applier named in spec §1: it takes an ACCEPTed Strategy's file_changes
// and applies them to the real working tree. The core never shells out to
// git itself.
type Applier interface {
	Apply(ctx context.Context, strategy reasoning.Strategy) error
}

// NoopApplier discards the strategy. It is the default when no real VCS
// applier is wired, e.g. in tests or dry-run CLI invocations.
type NoopApplier struct{}

func (NoopApplier) Apply(context.Context, reasoning.Strategy) error { return nil }
