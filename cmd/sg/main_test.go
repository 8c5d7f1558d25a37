package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templates.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReadTemplateSpecsAcceptsBothLayouts(t *testing.T) {
	keyed := writeFile(t, `
templates:
  - name: purchase
    company_id: acme
    gates:
      - tier: 1
        label: manager
        required_approvers: ["@manager"]
        quorum_policy: ANY
`)
	specs, err := readTemplateSpecs(keyed)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	require.Equal(t, "acme", specs[0].CompanyID)
	require.Equal(t, []string{"@manager"}, specs[0].Gates[0].RequiredApprovers)

	list := writeFile(t, `
- id: tpl-travel
  name: travel
  company_id: acme
  department_id: ops
  gates:
    - tier: 1
      label: finance
      min_threshold: 5000
      required_approvers: [carol, dave]
      quorum_policy: ALL
`)
	specs, err = readTemplateSpecs(list)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	require.Equal(t, "tpl-travel", specs[0].ID)
	require.NotNil(t, specs[0].Gates[0].MinThreshold)
	require.EqualValues(t, 5000, *specs[0].Gates[0].MinThreshold)
}

func TestReadTemplateSpecsRejectsEmptyFile(t *testing.T) {
	_, err := readTemplateSpecs(writeFile(t, "templates: []\n"))
	require.Error(t, err)
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2024-03-01")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), d)

	d, err = parseDate("2024-03-01T10:00:00Z")
	require.NoError(t, err)
	require.Equal(t, 10, d.Hour())

	_, err = parseDate("March 1st")
	require.Error(t, err)
}

func TestFormatAmount(t *testing.T) {
	require.Equal(t, "1250 USD", formatAmount(1250, "USD"))
	require.Equal(t, "7", formatAmount(7, ""))
}
