package engine

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagegate/internal/domain"
)

func int64p(v int64) *int64 { return &v }

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func gate(id string, tier int, status string) domain.Gate {
	return domain.Gate{ID: id, Tier: tier, Status: status, QuorumPolicy: domain.QuorumAny, RequiredApprovers: []string{"u1"}}
}

func TestRecomputeProgressionActivatesLowestTierTogether(t *testing.T) {
	inst := &domain.Instance{Outcome: domain.OutcomePending, Gates: []domain.Gate{
		gate("a", 1, domain.GateLocked),
		gate("b", 1, domain.GateLocked),
		gate("c", 2, domain.GateLocked),
	}}
	p := RecomputeProgression(inst)
	assert.Equal(t, []string{"a", "b"}, p.Activated)
	assert.False(t, p.OutcomeChanged)
	assert.Equal(t, domain.GateLocked, inst.Gates[2].Status)

	// idempotent while tier 1 is open
	p = RecomputeProgression(inst)
	assert.Empty(t, p.Activated)
	assert.Equal(t, domain.GateActive, inst.Gates[0].Status)

	// one parallel gate satisfied, the other still active: tier 2 stays locked
	inst.Gates[0].Status = domain.GateSatisfied
	p = RecomputeProgression(inst)
	assert.Empty(t, p.Activated)
	assert.Equal(t, domain.GateLocked, inst.Gates[2].Status)

	inst.Gates[1].Status = domain.GateSatisfied
	p = RecomputeProgression(inst)
	assert.Equal(t, []string{"c"}, p.Activated)

	inst.Gates[2].Status = domain.GateSatisfied
	p = RecomputeProgression(inst)
	assert.True(t, p.OutcomeChanged)
	assert.Equal(t, domain.OutcomeApproved, inst.Outcome)

	p = RecomputeProgression(inst)
	assert.False(t, p.OutcomeChanged)
	assert.Equal(t, domain.OutcomeApproved, p.Outcome)
}

func TestRecomputeProgressionRejectionShortCircuits(t *testing.T) {
	inst := &domain.Instance{Outcome: domain.OutcomePending, Gates: []domain.Gate{
		gate("a", 1, domain.GateSatisfied),
		gate("b", 2, domain.GateRejected),
		gate("c", 3, domain.GateLocked),
	}}
	p := RecomputeProgression(inst)
	assert.True(t, p.OutcomeChanged)
	assert.Equal(t, domain.OutcomeRejected, inst.Outcome)
	assert.Empty(t, p.Activated)
	assert.Equal(t, domain.GateLocked, inst.Gates[2].Status)

	p = RecomputeProgression(inst)
	assert.False(t, p.OutcomeChanged)
	assert.Equal(t, domain.GateLocked, inst.Gates[2].Status)
}

func TestRecomputeProgressionSkipsTierGaps(t *testing.T) {
	inst := &domain.Instance{Outcome: domain.OutcomePending, Gates: []domain.Gate{
		gate("a", 5, domain.GateSatisfied),
		gate("b", 40, domain.GateLocked),
		gate("c", 12, domain.GateLocked),
	}}
	p := RecomputeProgression(inst)
	assert.Equal(t, []string{"c"}, p.Activated)
}

func TestQuorum(t *testing.T) {
	g := domain.Gate{QuorumPolicy: domain.QuorumAll, RequiredApprovers: []string{"u1", "u2", "u3"}}
	g.ActualApprovers = []string{"u1", "u2"}
	assert.False(t, quorumMet(g))
	g.ActualApprovers = append(g.ActualApprovers, "u3")
	assert.True(t, quorumMet(g))

	g = domain.Gate{QuorumPolicy: domain.QuorumAny, RequiredApprovers: []string{"u1", "u2"}}
	assert.False(t, quorumMet(g))
	g.ActualApprovers = []string{"u2"}
	assert.True(t, quorumMet(g))
}

func TestResolveTemplatePrecedence(t *testing.T) {
	tpls := []domain.Template{
		{ID: "wide", CompanyID: "acme", Active: true, Sequence: 1, CreatedAt: "2024-01-01T00:00:00Z"},
		{ID: "ops-10", CompanyID: "acme", DepartmentID: "ops", Active: true, Sequence: 10, CreatedAt: "2024-01-01T00:00:00Z"},
		{ID: "ops-5-old", CompanyID: "acme", DepartmentID: "ops", Active: true, Sequence: 5, CreatedAt: "2024-01-01T00:00:00Z"},
		{ID: "ops-5-new", CompanyID: "acme", DepartmentID: "ops", Active: true, Sequence: 5, CreatedAt: "2024-02-01T00:00:00Z"},
		{ID: "ops-inactive", CompanyID: "acme", DepartmentID: "ops", Active: false, Sequence: 0},
		{ID: "other", CompanyID: "globex", Active: true},
		{ID: "hr", CompanyID: "acme", DepartmentID: "hr", Active: true},
	}
	got := ResolveTemplate(tpls, "acme", "ops")
	require.NotNil(t, got)
	assert.Equal(t, "ops-5-new", got.ID)

	got = ResolveTemplate(tpls, "acme", "finance")
	require.NotNil(t, got)
	assert.Equal(t, "wide", got.ID)

	got = ResolveTemplate(tpls, "acme", "")
	require.NotNil(t, got)
	assert.Equal(t, "wide", got.ID)

	assert.Nil(t, ResolveTemplate(tpls, "initech", "ops"))
}

func TestResolveTemplateIsOrderIndependent(t *testing.T) {
	a := domain.Template{ID: "a", CompanyID: "acme", Active: true, Sequence: 1, CreatedAt: "2024-01-01T00:00:00Z"}
	b := domain.Template{ID: "b", CompanyID: "acme", Active: true, Sequence: 1, CreatedAt: "2024-01-01T00:00:00Z"}
	for i := 0; i < 10; i++ {
		assert.Equal(t, "b", ResolveTemplate([]domain.Template{a, b}, "acme", "").ID)
		assert.Equal(t, "b", ResolveTemplate([]domain.Template{b, a}, "acme", "").ID)
	}
}

func TestMaterializeFiltersSortsAndActivates(t *testing.T) {
	tpl := domain.Template{ID: "t1", Version: 3, Gates: []domain.GateDefinition{
		{Tier: 2, Label: "Finance", RequiredApprovers: []string{"fin2", "fin1", "fin1"}, QuorumPolicy: "ALL"},
		{Tier: 1, Label: "Big", MinThreshold: int64p(1_000_000), RequiredApprovers: []string{"cfo"}, QuorumPolicy: "ANY"},
		{Tier: 1, Label: "Manager", RequiredApprovers: []string{"@manager"}, QuorumPolicy: "any"},
		{Tier: 1, Label: "Ops", MinThreshold: int64p(500), RequiredApprovers: []string{"ops"}, QuorumPolicy: "ANY"},
	}}
	inst, err := Materialize(tpl, MaterializeOptions{
		DocumentID:  "doc-1",
		CompanyID:   "acme",
		RequesterID: "alice",
		Amount:      500,
		Dynamic:     map[string]string{"@manager": "bob"},
		Now:         "2024-01-01T00:00:00Z",
		NewID:       seqIDs(),
	})
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, domain.OutcomePending, inst.Outcome)
	assert.Equal(t, 3, inst.TemplateVersion)
	require.Len(t, inst.Gates, 3)

	assert.Equal(t, "Manager", inst.Gates[0].Label)
	assert.Equal(t, []string{"bob"}, inst.Gates[0].RequiredApprovers)
	assert.Equal(t, domain.QuorumAny, inst.Gates[0].QuorumPolicy)
	assert.Equal(t, domain.GateActive, inst.Gates[0].Status)

	assert.Equal(t, "Ops", inst.Gates[1].Label)
	assert.Equal(t, domain.GateActive, inst.Gates[1].Status)

	assert.Equal(t, "Finance", inst.Gates[2].Label)
	assert.Equal(t, []string{"fin1", "fin2"}, inst.Gates[2].RequiredApprovers)
	assert.Equal(t, domain.GateLocked, inst.Gates[2].Status)
	for i, g := range inst.Gates {
		assert.Equal(t, i, g.Position)
		assert.Equal(t, inst.ID, g.InstanceID)
		assert.Empty(t, g.ActualApprovers)
	}
}

func TestMaterializeSnapshotIsIndependentOfTemplate(t *testing.T) {
	approvers := []string{"u1", "u2"}
	tpl := domain.Template{ID: "t1", Gates: []domain.GateDefinition{{Tier: 1, Label: "G", RequiredApprovers: approvers, QuorumPolicy: "ALL"}}}
	inst, err := Materialize(tpl, MaterializeOptions{DocumentID: "d", NewID: seqIDs()})
	require.NoError(t, err)
	approvers[0] = "intruder"
	tpl.Gates[0].QuorumPolicy = "ANY"
	assert.Equal(t, []string{"u1", "u2"}, inst.Gates[0].RequiredApprovers)
	assert.Equal(t, domain.QuorumAll, inst.Gates[0].QuorumPolicy)
}

func TestMaterializeBelowEveryThreshold(t *testing.T) {
	tpl := domain.Template{ID: "t1", Gates: []domain.GateDefinition{
		{Tier: 1, Label: "A", MinThreshold: int64p(1000), RequiredApprovers: []string{"u1"}, QuorumPolicy: "ANY"},
		{Tier: 2, Label: "B", MinThreshold: int64p(5000), RequiredApprovers: []string{"u2"}, QuorumPolicy: "ANY"},
	}}
	inst, err := Materialize(tpl, MaterializeOptions{DocumentID: "d", Amount: 999})
	require.NoError(t, err)
	assert.Nil(t, inst)

	// the threshold is inclusive
	inst, err = Materialize(tpl, MaterializeOptions{DocumentID: "d", Amount: 1000})
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Len(t, inst.Gates, 1)
}

func TestMaterializeInvalidGateConfiguration(t *testing.T) {
	tpl := domain.Template{ID: "t1", Gates: []domain.GateDefinition{
		{Tier: 1, Label: "Manager", RequiredApprovers: []string{"@manager"}, QuorumPolicy: "ANY"},
	}}
	_, err := Materialize(tpl, MaterializeOptions{DocumentID: "d", Dynamic: map[string]string{}})
	require.ErrorIs(t, err, ErrInvalidGateConfiguration)
	var ige InvalidGateConfigurationError
	require.ErrorAs(t, err, &ige)
	assert.Equal(t, "Manager", ige.Label)

	// a gate filtered out by threshold is still validated
	tpl.Gates = []domain.GateDefinition{
		{Tier: 1, Label: "Ok", RequiredApprovers: []string{"u1"}, QuorumPolicy: "ANY"},
		{Tier: 2, Label: "Empty", MinThreshold: int64p(1_000_000), RequiredApprovers: []string{" "}, QuorumPolicy: "ANY"},
	}
	_, err = Materialize(tpl, MaterializeOptions{DocumentID: "d", Amount: 1})
	require.ErrorIs(t, err, ErrInvalidGateConfiguration)
}

func TestMaterializeForbidSelfApproval(t *testing.T) {
	tpl := domain.Template{ID: "t1", ForbidSelfApproval: true, Gates: []domain.GateDefinition{
		{Tier: 1, Label: "Peers", RequiredApprovers: []string{"alice", "bob"}, QuorumPolicy: "ALL"},
	}}
	inst, err := Materialize(tpl, MaterializeOptions{DocumentID: "d", RequesterID: "alice", NewID: seqIDs()})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, inst.Gates[0].RequiredApprovers)

	tpl.Gates[0].RequiredApprovers = []string{"alice"}
	_, err = Materialize(tpl, MaterializeOptions{DocumentID: "d", RequesterID: "alice"})
	require.ErrorIs(t, err, ErrInvalidGateConfiguration)

	tpl.ForbidSelfApproval = false
	inst, err = Materialize(tpl, MaterializeOptions{DocumentID: "d", RequesterID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, inst.Gates[0].RequiredApprovers)
}

func TestCheckAction(t *testing.T) {
	inst := domain.Instance{ID: "i", Outcome: domain.OutcomePending, Gates: []domain.Gate{
		{ID: "g1", Status: domain.GateActive, QuorumPolicy: domain.QuorumAll, RequiredApprovers: []string{"u1", "u2"}, ActualApprovers: []string{"u1"}},
		{ID: "g2", Status: domain.GateLocked, QuorumPolicy: domain.QuorumAny, RequiredApprovers: []string{"u3"}},
	}}
	assert.NoError(t, checkAction(inst, "g1", "u2"))
	assert.ErrorIs(t, checkAction(inst, "g1", "u1"), ErrNotActionable)
	assert.ErrorIs(t, checkAction(inst, "g1", "u9"), ErrUnauthorized)
	assert.ErrorIs(t, checkAction(inst, "g1", ""), ErrUnauthorized)
	assert.ErrorIs(t, checkAction(inst, "g2", "u3"), ErrNotActionable)
	assert.True(t, isNotFound(checkAction(inst, "nope", "u1")))

	inst.Outcome = domain.OutcomeRejected
	assert.ErrorIs(t, checkAction(inst, "g1", "u2"), ErrNotActionable)
}

func TestInstanceLocksSerializeAndRelease(t *testing.T) {
	locks := newInstanceLocks()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("inst")
			v := counter
			counter = v + 1
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, locks.size())
}
