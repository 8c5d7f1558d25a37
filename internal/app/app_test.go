package app

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagegate/internal/config"
	"stagegate/internal/engine"
)

const workspaceConfig = `companies:
  acme:
    currency: USD
currency:
  base: USD
  rates:
    EUR:
      - date: "2024-01-01"
        rate: 1.25
directory:
  employees:
    - id: alice
      manager_id: bob
      department_id: ops
  departments:
    - id: ops
      company_id: acme
      manager_id: carol
templates:
  - id: purchase
    name: Purchase
    company_id: acme
    gates:
      - tier: 1
        label: Manager
        required_approvers: ["@manager"]
        quorum_policy: ANY
      - tier: 2
        label: Department
        required_approvers: ["@department_manager", "dave"]
        quorum_policy: ALL
        min_threshold: 100000
logging:
  level: warn
  format: json
metrics:
  enabled: false
`

func openWorkspace(t *testing.T, ws string) *Runtime {
	t.Helper()
	rt, err := Open(context.Background(), Options{Workspace: ws, LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func TestOpenSeedsDirectoryAndTemplates(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(workspaceConfig), 0o644))
	rt := openWorkspace(t, ws)
	ctx := context.Background()

	assert.Nil(t, rt.Metrics)
	assert.NotNil(t, rt.SQL)
	tpl, err := rt.Engine.GetTemplate(ctx, "purchase")
	require.NoError(t, err)
	assert.Equal(t, 1, tpl.Version)

	sub, err := rt.Engine.ResolveAndMaterialize(ctx, engine.SubmitRequest{
		DocumentID:   "PO-1",
		CompanyID:    "acme",
		DepartmentID: "ops",
		RequesterID:  "alice",
		Amount:       1000,
		Currency:     "EUR",
	})
	require.NoError(t, err)
	require.NotNil(t, sub.Instance)
	assert.Equal(t, int64(1250), sub.Amount)
	assert.Equal(t, "USD", sub.Currency)
	require.Len(t, sub.Instance.Gates, 1)
	assert.Equal(t, []string{"bob"}, sub.Instance.Gates[0].RequiredApprovers)

	sub, err = rt.Engine.ResolveAndMaterialize(ctx, engine.SubmitRequest{
		DocumentID: "PO-2", CompanyID: "acme", DepartmentID: "ops", RequesterID: "alice", Amount: 200000,
	})
	require.NoError(t, err)
	require.Len(t, sub.Instance.Gates, 2)
	assert.Equal(t, []string{"carol", "dave"}, sub.Instance.Gates[1].RequiredApprovers)
}

func TestReopenKeepsStoredTemplates(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(workspaceConfig), 0o644))
	ctx := context.Background()

	first := openWorkspace(t, ws)
	tpl, err := first.Engine.GetTemplate(ctx, "purchase")
	require.NoError(t, err)
	spec := first.Config.Templates[0]
	spec.Name = "Purchase (edited)"
	_, err = first.Engine.UpdateTemplate(ctx, tpl.ID, spec, "admin")
	require.NoError(t, err)
	first.Close()

	second := openWorkspace(t, ws)
	tpl, err = second.Engine.GetTemplate(ctx, "purchase")
	require.NoError(t, err)
	assert.Equal(t, 2, tpl.Version)
	assert.Equal(t, "Purchase (edited)", tpl.Name)
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadConfig(Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "USD", cfg.CompanyCurrency("default"))

	_, err = LoadConfig(Options{ConfigPath: "/does/not/exist.yml"})
	require.Error(t, err)
}
