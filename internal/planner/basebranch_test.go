package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stackworks/steward/internal/config"
	"github.com/stackworks/steward/internal/review"
	"github.com/stackworks/steward/internal/state"
)

func TestBaseBranchResolutionOrder(t *testing.T) {
	rv := review.NewMock()
	rv.SetDefaultBranch("acme/svc", "trunk")

	r := NewBranchResolver(config.PlannerConfig{
		BaseBranch:          "main",
		BaseBranchOverrides: map[string]string{"acme/svc": "develop"},
	}, rv, testLogger())

	ctx := context.Background()
	item := &state.BoardItemSnapshot{Labels: []string{"size:L", "base:release-2.4"}}
	assert.Equal(t, "release-2.4", r.ResolveBaseBranch(ctx, "acme/svc", item),
		"item label beats every configured branch")

	assert.Equal(t, "develop", r.ResolveBaseBranch(ctx, "acme/svc", nil),
		"repository override beats the global default")
	assert.Equal(t, "main", r.ResolveBaseBranch(ctx, "other/tool", nil),
		"global default applies without an override")
}

func TestBaseBranchProviderDefaultCached(t *testing.T) {
	rv := review.NewMock()
	rv.SetDefaultBranch("acme/svc", "trunk")
	r := NewBranchResolver(config.PlannerConfig{}, rv, testLogger())

	ctx := context.Background()
	assert.Equal(t, "trunk", r.ResolveBaseBranch(ctx, "acme/svc", nil))

	// The first answer sticks for the rest of the run.
	rv.SetDefaultBranch("acme/svc", "changed")
	assert.Equal(t, "trunk", r.ResolveBaseBranch(ctx, "acme/svc", nil))
}

func TestBaseBranchFallsBackToMain(t *testing.T) {
	ctx := context.Background()

	unknownRepo := NewBranchResolver(config.PlannerConfig{}, review.NewMock(), testLogger())
	assert.Equal(t, "main", unknownRepo.ResolveBaseBranch(ctx, "acme/svc", nil))

	noProvider := NewBranchResolver(config.PlannerConfig{}, nil, testLogger())
	assert.Equal(t, "main", noProvider.ResolveBaseBranch(ctx, "acme/svc", nil))
}

func TestBaseBranchLabelParsing(t *testing.T) {
	r := NewBranchResolver(config.PlannerConfig{}, nil, testLogger())
	ctx := context.Background()

	empty := &state.BoardItemSnapshot{Labels: []string{"base:"}}
	assert.Equal(t, "main", r.ResolveBaseBranch(ctx, "acme/svc", empty),
		"a bare base: label names nothing")

	spaced := &state.BoardItemSnapshot{Labels: []string{"base: release-2.4 "}}
	assert.Equal(t, "release-2.4", r.ResolveBaseBranch(ctx, "acme/svc", spaced))

	first := &state.BoardItemSnapshot{Labels: []string{"base:one", "base:two"}}
	assert.Equal(t, "one", r.ResolveBaseBranch(ctx, "acme/svc", first))
}
