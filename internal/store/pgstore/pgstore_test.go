package pgstore_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/repo"
	"stagegate/internal/store/pgstore"
)

var _ engine.Store = (*pgstore.Store)(nil)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("STAGEGATE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("STAGEGATE_TEST_PG_DSN not set")
	}
	st, err := pgstore.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestPostgresApprovalLifecycle(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	eng, err := engine.New(st, config.Default())
	require.NoError(t, err)

	company := "pg-" + uuid.NewString()
	_, err = eng.CreateTemplate(ctx, domain.TemplateSpec{Name: "pg", CompanyID: company, Gates: []domain.GateDefinition{
		{Tier: 1, Label: "Lead", RequiredApprovers: []string{"lead"}, QuorumPolicy: domain.QuorumAny},
		{Tier: 2, Label: "Finance", RequiredApprovers: []string{"fin1", "fin2"}, QuorumPolicy: domain.QuorumAll},
	}}, "admin")
	require.NoError(t, err)

	doc := "DOC-" + uuid.NewString()
	sub, err := eng.ResolveAndMaterialize(ctx, engine.SubmitRequest{DocumentID: doc, CompanyID: company, Amount: 500})
	require.NoError(t, err)
	require.NotNil(t, sub.Instance)
	inst := sub.Instance
	assert.Equal(t, domain.GateActive, inst.Gates[0].Status)
	assert.Equal(t, domain.GateLocked, inst.Gates[1].Status)

	_, err = eng.RecordApproval(ctx, inst.ID, inst.Gates[1].ID, "fin1")
	require.ErrorIs(t, err, engine.ErrNotActionable)

	_, err = eng.RecordApproval(ctx, inst.ID, inst.Gates[0].ID, "lead")
	require.NoError(t, err)
	_, err = eng.RecordApproval(ctx, inst.ID, inst.Gates[1].ID, "fin1")
	require.NoError(t, err)

	awaiting, err := st.InstancesAwaiting(ctx, "fin2")
	require.NoError(t, err)
	found := false
	for _, a := range awaiting {
		found = found || a.ID == inst.ID
	}
	assert.True(t, found)

	final, err := eng.RecordApproval(ctx, inst.ID, inst.Gates[1].ID, "fin2")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApproved, final.Outcome)
	require.NotNil(t, final.DecidedAt)

	loaded, err := st.InstanceForDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"fin1", "fin2"}, loaded.Gates[1].ActualApprovers)

	evts, err := st.LatestEvents(ctx, 50, 0, repo.EventFilters{CompanyID: company, Type: "instance.outcome"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, inst.ID, evts[0].EntityID)
}

func TestPostgresNotFound(t *testing.T) {
	st := openStore(t)
	_, err := st.GetInstance(context.Background(), "missing-"+uuid.NewString())
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = st.GetTemplate(context.Background(), "missing-"+uuid.NewString())
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestPostgresConcurrentFirstSubmissions(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	eng, err := engine.New(st, config.Default())
	require.NoError(t, err)
	company := "pg-" + uuid.NewString()
	_, err = eng.CreateTemplate(ctx, domain.TemplateSpec{Name: "pg", CompanyID: company, Gates: []domain.GateDefinition{
		{Tier: 1, Label: "Lead", RequiredApprovers: []string{"lead"}, QuorumPolicy: domain.QuorumAny},
	}}, "admin")
	require.NoError(t, err)

	doc := "DOC-" + uuid.NewString()
	const n = 6
	var wg sync.WaitGroup
	results := make(chan error, n)
	discarded := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := eng.ResolveAndMaterialize(ctx, engine.SubmitRequest{DocumentID: doc, CompanyID: company, Amount: 10})
			results <- err
			if err == nil && sub.DiscardedInstanceID != "" {
				discarded <- sub.DiscardedInstanceID
			}
		}()
	}
	wg.Wait()
	close(results)
	close(discarded)
	for err := range results {
		require.NoError(t, err)
	}
	assert.Len(t, discarded, n-1)
	_, err = st.InstanceForDocument(ctx, doc)
	require.NoError(t, err)
}

func TestPostgresTemplateVersionsAndOrder(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	eng, err := engine.New(st, config.Default())
	require.NoError(t, err)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return fixed }

	company := "pg-" + uuid.NewString()
	gates := []domain.GateDefinition{{Tier: 1, Label: "Lead", RequiredApprovers: []string{"lead"}, QuorumPolicy: domain.QuorumAny}}
	_, err = eng.CreateTemplate(ctx, domain.TemplateSpec{ID: company + "-z", Name: "older", CompanyID: company, Sequence: 1, Gates: gates}, "admin")
	require.NoError(t, err)
	newer, err := eng.CreateTemplate(ctx, domain.TemplateSpec{ID: company + "-a", Name: "newer", CompanyID: company, Sequence: 1, Gates: gates}, "admin")
	require.NoError(t, err)
	templates, err := st.ListActiveTemplates(ctx, company)
	require.NoError(t, err)
	picked := engine.ResolveTemplate(templates, company, "")
	require.NotNil(t, picked)
	assert.Equal(t, newer.ID, picked.ID)

	stale := newer
	stale.Version = 1
	err = st.SaveTemplate(ctx, stale, domain.NewEvent{Type: "template.saved", CompanyID: company, EntityKind: "template", EntityID: stale.ID, ActorID: "admin"})
	require.ErrorIs(t, err, repo.ErrConflict)
}
