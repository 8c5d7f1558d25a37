package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/directory"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/events"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
)

type testEnv struct {
	Engine   engine.Engine
	Repo     repo.Repo
	Ctx      context.Context
	Outcomes *outcomeRecorder
}

type outcomeRecorder struct {
	mu      sync.Mutex
	notices []engine.OutcomeNotice
}

func (r *outcomeRecorder) OnApprovalOutcome(_ context.Context, n engine.OutcomeNotice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *outcomeRecorder) all() []engine.OutcomeNotice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.OutcomeNotice{}, r.notices...)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Companies = map[string]config.Company{"acme": {Currency: "USD"}}
	cfg.Currency.Base = "USD"
	cfg.Currency.Rates = map[string][]config.Rate{"EUR": {{Date: "2023-06-01", Value: 1.10}}}

	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	store := repo.New(conn, now)
	eng, err := engine.New(store, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	eng.Now = now
	staff := directory.Service{DB: conn}
	ctx := context.Background()
	if err := staff.Import(ctx,
		[]domain.Employee{{ID: "alice", ManagerID: "bob", DepartmentID: "ops"}},
		[]domain.Department{{ID: "ops", CompanyID: "acme", ManagerID: "carol"}},
	); err != nil {
		t.Fatalf("seed directory: %v", err)
	}
	eng.Directory = staff
	rec := &outcomeRecorder{}
	eng.Outcomes = rec
	return testEnv{Engine: eng, Repo: store, Ctx: ctx, Outcomes: rec}
}

func (env testEnv) template(t *testing.T, spec domain.TemplateSpec) domain.Template {
	t.Helper()
	if spec.CompanyID == "" {
		spec.CompanyID = "acme"
	}
	if spec.Name == "" {
		spec.Name = "tpl"
	}
	tpl, err := env.Engine.CreateTemplate(env.Ctx, spec, "admin")
	require.NoError(t, err)
	return tpl
}

func (env testEnv) submit(t *testing.T, docID string, amount int64) engine.Submission {
	t.Helper()
	sub, err := env.Engine.ResolveAndMaterialize(env.Ctx, engine.SubmitRequest{
		DocumentID:   docID,
		CompanyID:    "acme",
		DepartmentID: "ops",
		RequesterID:  "alice",
		Amount:       amount,
		Currency:     "USD",
	})
	require.NoError(t, err)
	return sub
}

func int64p(v int64) *int64 { return &v }

func TestScenarioSingleAnyGate(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, domain.TemplateSpec{Gates: []domain.GateDefinition{
		{Tier: 1, Label: "Approve", RequiredApprovers: []string{"u1", "u2"}, QuorumPolicy: "ANY"},
	}})
	sub := env.submit(t, "PR-1", 100)
	require.NotNil(t, sub.Instance)
	inst := sub.Instance
	g := inst.Gates[0]
	assert.Equal(t, domain.GateActive, g.Status)

	inst2, err := env.Engine.RecordApproval(env.Ctx, inst.ID, g.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.GateSatisfied, inst2.Gates[0].Status)
	assert.Equal(t, domain.OutcomeApproved, inst2.Outcome)
	require.NotNil(t, inst2.DecidedAt)

	notices := env.Outcomes.all()
	require.Len(t, notices, 1)
	assert.Equal(t, "PR-1", notices[0].DocumentID)
	assert.Equal(t, domain.OutcomeApproved, notices[0].Outcome)

	// late click from the other approver
	_, err = env.Engine.RecordApproval(env.Ctx, inst.ID, g.ID, "u2")
	require.ErrorIs(t, err, engine.ErrNotActionable)
	assert.Len(t, env.Outcomes.all(), 1)
}

func TestScenarioParallelTierBeforeSerialTier(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, domain.TemplateSpec{Gates: []domain.GateDefinition{
		{Tier: 1, Label: "Legal", RequiredApprovers: []string{"legal"}, QuorumPolicy: "ANY"},
		{Tier: 1, Label: "Security", RequiredApprovers: []string{"sec"}, QuorumPolicy: "ANY"},
		{Tier: 2, Label: "CFO", RequiredApprovers: []string{"cfo"}, QuorumPolicy: "ANY"},
	}})
	inst := env.submit(t, "PR-2", 100).Instance
	require.Len(t, inst.Gates, 3)
	legal, sec, cfo := inst.Gates[0], inst.Gates[1], inst.Gates[2]
	assert.Equal(t, domain.GateActive, legal.Status)
	assert.Equal(t, domain.GateActive, sec.Status)
	assert.Equal(t, domain.GateLocked, cfo.Status)

	_, err := env.Engine.RecordApproval(env.Ctx, inst.ID, cfo.ID, "cfo")
	require.ErrorIs(t, err, engine.ErrNotActionable)

	cur, err := env.Engine.RecordApproval(env.Ctx, inst.ID, legal.ID, "legal")
	require.NoError(t, err)
	assert.Equal(t, domain.GateLocked, cur.Gates[2].Status)

	cur, err = env.Engine.RecordApproval(env.Ctx, inst.ID, sec.ID, "sec")
	require.NoError(t, err)
	assert.Equal(t, domain.GateActive, cur.Gates[2].Status)
	assert.Equal(t, domain.OutcomePending, cur.Outcome)

	cur, err = env.Engine.RecordApproval(env.Ctx, inst.ID, cfo.ID, "cfo")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApproved, cur.Outcome)
}

func TestScenarioAllQuorum(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, domain.TemplateSpec{Gates: []domain.GateDefinition{
		{Tier: 1, Label: "Board", RequiredApprovers: []string{"u1", "u2", "u3"}, QuorumPolicy: "ALL"},
	}})
	inst := env.submit(t, "PR-3", 100).Instance
	gid := inst.Gates[0].ID

	for _, u := range []string{"u1", "u2"} {
		cur, err := env.Engine.RecordApproval(env.Ctx, inst.ID, gid, u)
		require.NoError(t, err)
		assert.Equal(t, domain.GateActive, cur.Gates[0].Status)
	}
	_, err := env.Engine.RecordApproval(env.Ctx, inst.ID, gid, "u1")
	require.ErrorIs(t, err, engine.ErrNotActionable)

	ok, err := env.Engine.CanAct(env.Ctx, inst.ID, gid, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = env.Engine.CanAct(env.Ctx, inst.ID, gid, "u3")
	require.NoError(t, err)
	assert.True(t, ok)

	cur, err := env.Engine.RecordApproval(env.Ctx, inst.ID, gid, "u3")
	require.NoError(t, err)
	assert.Equal(t, domain.GateSatisfied, cur.Gates[0].Status)
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, cur.Gates[0].ActualApprovers)
	assert.Equal(t, domain.OutcomeApproved, cur.Outcome)
}

func TestScenarioRejectionShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, domain.TemplateSpec{Gates: []domain.GateDefinition{
		{Tier: 1, Label: "Manager", RequiredApprovers: []string{"@manager"}, QuorumPolicy: "ANY"},
		{Tier: 2, Label: "Finance", RequiredApprovers: []string{"fin"}, QuorumPolicy: "ANY"},
		{Tier: 3, Label: "CEO", RequiredApprovers: []string{"ceo"}, QuorumPolicy: "ANY"},
	}})
	inst := env.submit(t, "PR-4", 100).Instance
	require.Equal(t, []string{"bob"}, inst.Gates[0].RequiredApprovers)

	_, err := env.Engine.RecordApproval(env.Ctx, inst.ID, inst.Gates[0].ID, "bob")
	require.NoError(t, err)

	_, err = env.Engine.RecordRejection(env.Ctx, inst.ID, inst.Gates[1].ID, "fin", "  ")
	require.ErrorIs(t, err, engine.ErrReasonRequired)

	_, err = env.Engine.RecordRejection(env.Ctx, inst.ID, inst.Gates[1].ID, "ceo", "no")
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	cur, err := env.Engine.RecordRejection(env.Ctx, inst.ID, inst.Gates[1].ID, "fin", "over budget")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, cur.Outcome)
	assert.Equal(t, "over budget", cur.RejectionReason)
	assert.Equal(t, domain.GateRejected, cur.Gates[1].Status)
	assert.Equal(t, "fin", cur.Gates[1].RejectedBy)
	assert.Equal(t, domain.GateLocked, cur.Gates[2].Status)

	_, err = env.Engine.RecordApproval(env.Ctx, inst.ID, cur.Gates[2].ID, "ceo")
	require.ErrorIs(t, err, engine.ErrNotActionable)

	notices := env.Outcomes.all()
	require.Len(t, notices, 1)
	assert.Equal(t, domain.OutcomeRejected, notices[0].Outcome)
	assert.Equal(t, "over budget", notices[0].RejectionReason)
}

func TestScenarioBelowThresholdAutoApproves(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, domain.TemplateSpec{Gates: []domain.GateDefinition{
		{Tier: 1, Label: "Big", MinThreshold: int64p(10_000), RequiredApprovers: []string{"u1"}, QuorumPolicy: "ANY"},
	}})
	sub := env.submit(t, "PR-5", 9_999)
	assert.Nil(t, sub.Instance)
	assert.True(t, sub.AutoApproved)
	assert.Equal(t, engine.AutoApproveNoApplicableGates, sub.AutoApproveReason)

	_, err := env.Engine.InstanceForDocument(env.Ctx, "PR-5")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestNoTemplateAutoApproves(t *testing.T) {
	env := newTestEnv(t)
	sub := env.submit(t, "PR-6", 100)
	assert.True(t, sub.AutoApproved)
	assert.Equal(t, engine.AutoApproveNoTemplate, sub.AutoApproveReason)

	evts, err := env.Repo.LatestEvents(env.Ctx, 10, 0, repo.EventFilters{Type: events.SubmissionAutoApproved})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "PR-6", evts[0].EntityID)
}

func TestSubmissionNormalizesCurrency(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, domain.TemplateSpec{Gates: []domain.GateDefinition{
		{Tier: 1, Label: "Big", MinThreshold: int64p(10_500), RequiredApprovers: []string{"u1"}, QuorumPolicy: "ANY"},
	}})
	// 100.00 EUR is 110.00 USD, above the 105.00 USD threshold
	sub, err := env.Engine.ResolveAndMaterialize(env.Ctx, engine.SubmitRequest{
		DocumentID: "PR-7", CompanyID: "acme", Amount: 10_000, Currency: "EUR",
	})
	require.NoError(t, err)
	require.NotNil(t, sub.Instance)
	assert.Equal(t, int64(11_000), sub.Instance.Amount)
	assert.Equal(t, "USD", sub.Instance.Currency)

	_, err = env.Engine.ResolveAndMaterialize(env.Ctx, engine.SubmitRequest{
		DocumentID: "PR-8", CompanyID: "acme", Amount: 10_000, Currency: "EUR",
		AsOf: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
}

func TestSubmissionValidatesGatesEagerly(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, domain.TemplateSpec{Gates: []domain.GateDefinition{
		{Tier: 1, Label: "Head", RequiredApprovers: []string{"@department_manager"}, QuorumPolicy: "ANY"},
	}})
	_, err := env.Engine.ResolveAndMaterialize(env.Ctx, engine.SubmitRequest{
		DocumentID: "PR-9", CompanyID: "acme", DepartmentID: "unknown", Amount: 1,
	})
	require.ErrorIs(t, err, engine.ErrInvalidGateConfiguration)

	sub := env.submit(t, "PR-10", 1)
	require.NotNil(t, sub.Instance)
	assert.Equal(t, []string{"carol"}, sub.Instance.Gates[0].RequiredApprovers)
}

func TestTemplateEditsDoNotAffectInstances(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.template(t, domain.TemplateSpec{Gates: []domain.GateDefinition{
		{Tier: 1, Label: "A", RequiredApprovers: []string{"u1"}, QuorumPolicy: "ANY"},
	}})
	inst := env.submit(t, "PR-11", 100).Instance

	updated, err := env.Engine.UpdateTemplate(env.Ctx, tpl.ID, domain.TemplateSpec{
		Name: "tpl", CompanyID: "acme",
		Gates: []domain.GateDefinition{{Tier: 1, Label: "B", RequiredApprovers: []string{"u9"}, QuorumPolicy: "ALL"}},
	}, "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	stored, err := env.Engine.GetInstance(env.Ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TemplateVersion)
	assert.Equal(t, []string{"u1"}, stored.Gates[0].RequiredApprovers)
	assert.Equal(t, "A", stored.Gates[0].Label)

	_, err = env.Engine.RecordApproval(env.Ctx, inst.ID, stored.Gates[0].ID, "u1")
	require.NoError(t, err)

	deact, err := env.Engine.DeactivateTemplate(env.Ctx, tpl.ID, "admin")
	require.NoError(t, err)
	assert.False(t, deact.Active)
	sub := env.submit(t, "PR-12", 100)
	assert.Equal(t, engine.AutoApproveNoTemplate, sub.AutoApproveReason)
}

func TestCreateTemplateRejectsDuplicateAndInvalid(t *testing.T) {
	env := newTestEnv(t)
	spec := domain.TemplateSpec{ID: "fixed", Name: "x", CompanyID: "acme", Gates: []domain.GateDefinition{
		{Tier: 1, Label: "A", RequiredApprovers: []string{"u1"}, QuorumPolicy: "ANY"},
	}}
	_, err := env.Engine.CreateTemplate(env.Ctx, spec, "admin")
	require.NoError(t, err)
	_, err = env.Engine.CreateTemplate(env.Ctx, spec, "admin")
	require.ErrorIs(t, err, engine.ErrTemplateExists)

	_, err = env.Engine.CreateTemplate(env.Ctx, domain.TemplateSpec{Name: "x", CompanyID: "acme"}, "admin")
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	imported, err := env.Engine.ImportTemplates(env.Ctx, []domain.TemplateSpec{spec, {Name: "y", CompanyID: "acme", Gates: spec.Gates}}, "admin")
	require.NoError(t, err)
	require.Len(t, imported, 2)
	assert.Equal(t, 2, imported[0].Version)
	assert.Equal(t, 1, imported[1].Version)
}

func TestResubmissionDiscardsPriorInstance(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, domain.TemplateSpec{Gates: []domain.GateDefinition{
		{Tier: 1, Label: "A", RequiredApprovers: []string{"u1", "u2"}, QuorumPolicy: "ALL"},
	}})
	first := env.submit(t, "PR-13", 100).Instance
	_, err := env.Engine.RecordApproval(env.Ctx, first.ID, first.Gates[0].ID, "u1")
	require.NoError(t, err)

	second := env.submit(t, "PR-13", 100)
	require.NotNil(t, second.Instance)
	assert.Equal(t, first.ID, second.DiscardedInstanceID)
	assert.Empty(t, second.Instance.Gates[0].ActualApprovers)

	_, err = env.Engine.GetInstance(env.Ctx, first.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.RecordApproval(env.Ctx, first.ID, first.Gates[0].ID, "u2")
	require.ErrorIs(t, err, repo.ErrNotFound)

	cur, err := env.Engine.InstanceForDocument(env.Ctx, "PR-13")
	require.NoError(t, err)
	assert.Equal(t, second.Instance.ID, cur.ID)
}

func TestEventsRecordLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, domain.TemplateSpec{Gates: []domain.GateDefinition{
		{Tier: 1, Label: "A", RequiredApprovers: []string{"u1"}, QuorumPolicy: "ANY"},
		{Tier: 2, Label: "B", RequiredApprovers: []string{"u2"}, QuorumPolicy: "ANY"},
	}})
	inst := env.submit(t, "PR-14", 100).Instance
	_, err := env.Engine.RecordApproval(env.Ctx, inst.ID, inst.Gates[0].ID, "u1")
	require.NoError(t, err)
	_, err = env.Engine.RecordApproval(env.Ctx, inst.ID, inst.Gates[1].ID, "u2")
	require.NoError(t, err)

	evts, err := env.Repo.EventsAfter(env.Ctx, 100, 0, repo.EventFilters{})
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		events.TemplateSaved,
		events.SubmissionCreated,
		events.GateActivated,
		events.GateApproved,
		events.GateSatisfied,
		events.GateActivated,
		events.GateApproved,
		events.GateSatisfied,
		events.InstanceOutcome,
	}, types)

	last := evts[len(evts)-1]
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(last.Payload), &payload))
	assert.Equal(t, domain.OutcomeApproved, payload["outcome"])
	assert.Equal(t, "PR-14", payload["document_id"])
}

func TestListActionable(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, domain.TemplateSpec{Gates: []domain.GateDefinition{
		{Tier: 1, Label: "A", RequiredApprovers: []string{"u1", "u2"}, QuorumPolicy: "ALL"},
		{Tier: 2, Label: "B", RequiredApprovers: []string{"u1"}, QuorumPolicy: "ANY"},
	}})
	a := env.submit(t, "PR-15", 100).Instance
	env.submit(t, "PR-16", 100)

	items, err := env.Engine.ListActionable(env.Ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = env.Engine.RecordApproval(env.Ctx, a.ID, a.Gates[0].ID, "u1")
	require.NoError(t, err)
	items, err = env.Engine.ListActionable(env.Ctx, "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "PR-16", items[0].DocumentID)

	items, err = env.Engine.ListActionable(env.Ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestUnknownInstanceAndGate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecordApproval(env.Ctx, "missing", "g", "u1")
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.CanAct(env.Ctx, "missing", "g", "u1")
	require.ErrorIs(t, err, repo.ErrNotFound)

	env.template(t, domain.TemplateSpec{Gates: []domain.GateDefinition{
		{Tier: 1, Label: "A", RequiredApprovers: []string{"u1"}, QuorumPolicy: "ANY"},
	}})
	inst := env.submit(t, "PR-17", 1).Instance
	_, err = env.Engine.RecordApproval(env.Ctx, inst.ID, "missing", "u1")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestConcurrentApprovalsOnAllGate(t *testing.T) {
	env := newTestEnv(t)
	const n = 12
	approvers := make([]string, n)
	for i := range approvers {
		approvers[i] = fmt.Sprintf("u%02d", i)
	}
	env.template(t, domain.TemplateSpec{Gates: []domain.GateDefinition{
		{Tier: 1, Label: "All", RequiredApprovers: approvers, QuorumPolicy: "ALL"},
	}})
	inst := env.submit(t, "PR-18", 100).Instance
	gid := inst.Gates[0].ID

	var wg sync.WaitGroup
	errs := make(chan error, n*2)
	for _, u := range approvers {
		for k := 0; k < 2; k++ {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				_, err := env.Engine.RecordApproval(env.Ctx, inst.ID, gid, u)
				errs <- err
			}(u)
		}
	}
	wg.Wait()
	close(errs)
	ok, dup := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, engine.ErrNotActionable):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, n, ok)
	assert.Equal(t, n, dup)

	final, err := env.Engine.GetInstance(env.Ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, final.Gates[0].ActualApprovers, n)
	assert.Equal(t, domain.OutcomeApproved, final.Outcome)
	assert.Len(t, env.Outcomes.all(), 1)

	outcomes, err := env.Repo.LatestEvents(env.Ctx, 10, 0, repo.EventFilters{Type: events.InstanceOutcome})
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
}

func TestNewestTemplateWinsWithinOneClockTick(t *testing.T) {
	env := newTestEnv(t)
	gates := []domain.GateDefinition{{Tier: 1, Label: "A", RequiredApprovers: []string{"u1"}, QuorumPolicy: "ANY"}}
	for i := 0; i < 20; i++ {
		co := fmt.Sprintf("co-%02d", i)
		// ids sort against creation order, so only the creation sequence can pick the newer one
		_, err := env.Engine.CreateTemplate(env.Ctx, domain.TemplateSpec{
			ID: co + "-z-older", Name: "older", CompanyID: co, Sequence: 1, Gates: gates,
		}, "admin")
		require.NoError(t, err)
		newer, err := env.Engine.CreateTemplate(env.Ctx, domain.TemplateSpec{
			ID: co + "-a-newer", Name: "newer", CompanyID: co, Sequence: 1, Gates: gates,
		}, "admin")
		require.NoError(t, err)

		templates, err := env.Repo.ListActiveTemplates(env.Ctx, co)
		require.NoError(t, err)
		require.Len(t, templates, 2)
		assert.Equal(t, templates[0].CreatedAt, templates[1].CreatedAt)
		picked := engine.ResolveTemplate(templates, co, "")
		require.NotNil(t, picked)
		assert.Equal(t, newer.ID, picked.ID, "company %s", co)
	}

	env.template(t, domain.TemplateSpec{Name: "first", Sequence: 1, Gates: gates})
	second := env.template(t, domain.TemplateSpec{Name: "second", Sequence: 1, Gates: gates})
	sub := env.submit(t, "PR-20", 100)
	require.NotNil(t, sub.Instance)
	assert.Equal(t, second.ID, sub.Instance.TemplateID)
}

func TestUpdateKeepsDeactivatedTemplateOutOfResolution(t *testing.T) {
	env := newTestEnv(t)
	spec := domain.TemplateSpec{ID: "archived", Name: "tpl", CompanyID: "acme", Gates: []domain.GateDefinition{
		{Tier: 1, Label: "A", RequiredApprovers: []string{"u1"}, QuorumPolicy: "ANY"},
	}}
	env.template(t, spec)
	_, err := env.Engine.DeactivateTemplate(env.Ctx, "archived", "admin")
	require.NoError(t, err)

	spec.Name = "renamed"
	updated, err := env.Engine.UpdateTemplate(env.Ctx, "archived", spec, "admin")
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, 3, updated.Version)
	sub := env.submit(t, "PR-30", 100)
	assert.True(t, sub.AutoApproved)
	assert.Equal(t, engine.AutoApproveNoTemplate, sub.AutoApproveReason)

	imported, err := env.Engine.ImportTemplates(env.Ctx, []domain.TemplateSpec{spec}, "admin")
	require.NoError(t, err)
	assert.False(t, imported[0].Active)

	reactivated, err := env.Engine.ActivateTemplate(env.Ctx, "archived", "admin")
	require.NoError(t, err)
	assert.True(t, reactivated.Active)
	assert.Equal(t, 5, reactivated.Version)
	sub = env.submit(t, "PR-31", 100)
	require.NotNil(t, sub.Instance)
	assert.Equal(t, "archived", sub.Instance.TemplateID)

	activated, err := env.Repo.LatestEvents(env.Ctx, 10, 0, repo.EventFilters{Type: events.TemplateActivated})
	require.NoError(t, err)
	assert.Len(t, activated, 1)
}

func TestStaleTemplateSaveIsRejected(t *testing.T) {
	env := newTestEnv(t)
	spec := domain.TemplateSpec{Name: "tpl", CompanyID: "acme", Gates: []domain.GateDefinition{
		{Tier: 1, Label: "A", RequiredApprovers: []string{"u1"}, QuorumPolicy: "ANY"},
	}}
	tpl := env.template(t, spec)
	stale, err := env.Repo.GetTemplate(env.Ctx, tpl.ID)
	require.NoError(t, err)

	spec.Name = "first"
	_, err = env.Engine.UpdateTemplate(env.Ctx, tpl.ID, spec, "admin")
	require.NoError(t, err)

	stale.Name = "second"
	stale.Version++
	err = env.Repo.SaveTemplate(env.Ctx, stale, domain.NewEvent{
		Type: events.TemplateSaved, CompanyID: "acme", EntityKind: "template", EntityID: stale.ID, ActorID: "admin",
	})
	require.ErrorIs(t, err, repo.ErrConflict)

	got, err := env.Engine.GetTemplate(env.Ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
	assert.Equal(t, 2, got.Version)
}

func TestConcurrentTemplateEditsNeverLoseAVersion(t *testing.T) {
	env := newTestEnv(t)
	gates := []domain.GateDefinition{{Tier: 1, Label: "A", RequiredApprovers: []string{"u1"}, QuorumPolicy: "ANY"}}
	tpl := env.template(t, domain.TemplateSpec{Name: "tpl", Gates: gates})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Engine.UpdateTemplate(env.Ctx, tpl.ID, domain.TemplateSpec{
				Name: fmt.Sprintf("edit-%d", i), CompanyID: "acme", Gates: gates,
			}, "admin")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, repo.ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.GreaterOrEqual(t, ok, 1)

	final, err := env.Engine.GetTemplate(env.Ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, 1+ok, final.Version)
	saved, err := env.Repo.LatestEvents(env.Ctx, 50, 0, repo.EventFilters{Type: events.TemplateSaved, EntityID: tpl.ID})
	require.NoError(t, err)
	assert.Len(t, saved, 1+ok)
}

func TestConcurrentFirstSubmissionsOfOneDocument(t *testing.T) {
	env := newTestEnv(t)
	env.template(t, domain.TemplateSpec{Gates: []domain.GateDefinition{
		{Tier: 1, Label: "A", RequiredApprovers: []string{"u1"}, QuorumPolicy: "ANY"},
	}})

	const n = 6
	var wg sync.WaitGroup
	subs := make(chan engine.Submission, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := env.Engine.ResolveAndMaterialize(env.Ctx, engine.SubmitRequest{
				DocumentID: "PR-40", CompanyID: "acme", RequesterID: "alice", Amount: 100, Currency: "USD",
			})
			if err != nil {
				errs <- err
				return
			}
			subs <- sub
		}()
	}
	wg.Wait()
	close(subs)
	close(errs)
	for err := range errs {
		t.Fatalf("submission failed: %v", err)
	}
	ids := map[string]bool{}
	discarded := 0
	for sub := range subs {
		require.NotNil(t, sub.Instance)
		ids[sub.Instance.ID] = true
		if sub.DiscardedInstanceID != "" {
			discarded++
		}
	}
	assert.Len(t, ids, n)
	assert.Equal(t, n-1, discarded)

	cur, err := env.Engine.InstanceForDocument(env.Ctx, "PR-40")
	require.NoError(t, err)
	assert.True(t, ids[cur.ID])
}
