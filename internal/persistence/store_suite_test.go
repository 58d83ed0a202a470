package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/sagaflow/pkg/api"
)

// StoreSuite is the behavioural contract every Store backend must satisfy.
type StoreSuite struct {
	suite.Suite

	newStore func() Store
	store    Store
	ctx      context.Context
	base     time.Time
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
	s.base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *StoreSuite) record(id, workflowID string, state api.Status, offset time.Duration) *api.InstanceRecord {
	created := s.base.Add(offset)
	rec := &api.InstanceRecord{
		InstanceID:       id,
		WorkflowID:       workflowID,
		State:            state,
		CurrentStepIndex: 1,
		Context: api.RestoreWorkflowContext(api.ContextSnapshot{
			WorkflowID: workflowID,
			InstanceID: id,
			Variables:  map[string]any{"order": map[string]any{"id": "o-" + id, "qty": 2}},
			CreatedAt:  created,
			UpdatedAt:  created,
		}).Snapshot(),
		StepResults: map[string]api.StepResult{
			"reserve": {StepID: "reserve", State: api.StepCompleted, Value: "r-1", StartTime: created, EndTime: created.Add(time.Second), RetryCount: 1},
		},
		CompensationStack: []string{"reserve"},
		StepMemos:         map[string]api.StepMemo{"ship": {Branch: api.BranchTrue}},
		CreatedAt:         created,
		UpdatedAt:         created,
	}
	if state.IsTerminal() {
		rec.FinishedAt = created.Add(time.Minute)
	}
	return rec
}

func (s *StoreSuite) TestSaveLoadReplace() {
	rec := s.record("i1", "order", api.StatusRunning, 0)
	s.Require().NoError(s.store.SaveInstance(s.ctx, rec))

	got, err := s.store.LoadInstance(s.ctx, "i1")
	s.Require().NoError(err)
	s.Equal("order", got.WorkflowID)
	s.Equal(api.StatusRunning, got.State)
	s.Equal([]string{"reserve"}, got.CompensationStack)
	s.Equal(1, got.StepResults["reserve"].RetryCount)
	s.Equal(api.BranchTrue, got.StepMemos["ship"].Branch)
	s.Equal("o-i1", got.Context.Variables["order"].(map[string]any)["id"])
	s.True(rec.CreatedAt.Equal(got.CreatedAt))

	rec.State = api.StatusCompleted
	rec.FinishedAt = s.base.Add(time.Hour)
	s.Require().NoError(s.store.SaveInstance(s.ctx, rec))
	got, err = s.store.LoadInstance(s.ctx, "i1")
	s.Require().NoError(err)
	s.Equal(api.StatusCompleted, got.State)
}

func (s *StoreSuite) TestLoadUnknown() {
	_, err := s.store.LoadInstance(s.ctx, "missing")
	s.ErrorIs(err, ErrInstanceNotFound)
}

func (s *StoreSuite) TestListFilters() {
	s.Require().NoError(s.store.SaveInstance(s.ctx, s.record("a", "order", api.StatusRunning, 0)))
	s.Require().NoError(s.store.SaveInstance(s.ctx, s.record("b", "order", api.StatusCompleted, time.Second)))
	s.Require().NoError(s.store.SaveInstance(s.ctx, s.record("c", "refund", api.StatusCompensated, 2*time.Second)))
	s.Require().NoError(s.store.SaveInstance(s.ctx, s.record("d", "order", api.StatusPaused, 3*time.Second)))

	ids := func(recs []*api.InstanceRecord) []string {
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = r.InstanceID
		}
		return out
	}

	all, err := s.store.ListInstances(s.ctx, api.ListFilter{})
	s.Require().NoError(err)
	s.Equal([]string{"a", "b", "c", "d"}, ids(all))

	orders, err := s.store.ListInstances(s.ctx, api.ListFilter{WorkflowID: "order"})
	s.Require().NoError(err)
	s.Equal([]string{"a", "b", "d"}, ids(orders))

	live, err := s.store.ListInstances(s.ctx, api.ListFilter{States: []api.Status{api.StatusRunning, api.StatusPaused}})
	s.Require().NoError(err)
	s.Equal([]string{"a", "d"}, ids(live))

	finished, err := s.store.ListInstances(s.ctx, api.ListFilter{FinishedBefore: s.base.Add(time.Hour)})
	s.Require().NoError(err)
	s.Equal([]string{"b", "c"}, ids(finished))

	limited, err := s.store.ListInstances(s.ctx, api.ListFilter{Limit: 2})
	s.Require().NoError(err)
	s.Equal([]string{"a", "b"}, ids(limited))
}

func (s *StoreSuite) TestArchiveRemovesFromLiveSet() {
	rec := s.record("old", "order", api.StatusCompleted, 0)
	s.Require().NoError(s.store.SaveInstance(s.ctx, rec))
	s.Require().NoError(s.store.SaveCheckpoint(s.ctx, "old", api.Checkpoint{Name: "reserve"}))

	s.Require().NoError(s.store.ArchiveInstance(s.ctx, rec))

	_, err := s.store.LoadInstance(s.ctx, "old")
	s.ErrorIs(err, ErrInstanceNotFound)
	all, err := s.store.ListInstances(s.ctx, api.ListFilter{WorkflowID: "order"})
	s.Require().NoError(err)
	s.Empty(all)
	_, err = s.store.LoadCheckpoint(s.ctx, "old", "reserve")
	s.ErrorIs(err, ErrCheckpointNotFound)

	s.ErrorIs(s.store.SaveInstance(s.ctx, rec), ErrArchived)
}

func (s *StoreSuite) TestDelete() {
	s.Require().NoError(s.store.SaveInstance(s.ctx, s.record("x", "order", api.StatusFailed, 0)))
	s.Require().NoError(s.store.DeleteInstance(s.ctx, "x"))
	_, err := s.store.LoadInstance(s.ctx, "x")
	s.ErrorIs(err, ErrInstanceNotFound)
	s.NoError(s.store.DeleteInstance(s.ctx, "never-existed"))
}

func (s *StoreSuite) TestCheckpoints() {
	cp := api.Checkpoint{
		Name:      "charge",
		Variables: map[string]any{"paid": true},
		Results:   map[string]api.ResultEntry{"charge": {Value: "tx-1", Timestamp: s.base}},
		CreatedAt: s.base,
	}
	s.Require().NoError(s.store.SaveCheckpoint(s.ctx, "i1", cp))

	cp.Variables["paid"] = false
	s.Require().NoError(s.store.SaveCheckpoint(s.ctx, "i1", cp))

	got, err := s.store.LoadCheckpoint(s.ctx, "i1", "charge")
	s.Require().NoError(err)
	s.Equal(false, got.Variables["paid"])
	s.Equal("tx-1", got.Results["charge"].Value)

	_, err = s.store.LoadCheckpoint(s.ctx, "i1", fmt.Sprintf("missing-%d", 1))
	s.ErrorIs(err, ErrCheckpointNotFound)
}
