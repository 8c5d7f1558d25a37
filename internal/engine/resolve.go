package engine

import (
	"sort"

	"stagegate/internal/domain"
)

// ResolveTemplate picks the template governing a document, or nil when none
// applies. Candidates are the active templates of the company that are either
// company-wide or scoped to the document's department. Precedence:
// department-specific first, then lower sequence, then newest, then highest id.
func ResolveTemplate(templates []domain.Template, companyID, departmentID string) *domain.Template {
	var candidates []domain.Template
	for _, t := range templates {
		if !t.Active || t.CompanyID != companyID {
			continue
		}
		if t.DepartmentID != "" && t.DepartmentID != departmentID {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.DepartmentID != "") != (b.DepartmentID != "") {
			return a.DepartmentID != ""
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		if a.CreatedSeq != 0 && b.CreatedSeq != 0 && a.CreatedSeq != b.CreatedSeq {
			return a.CreatedSeq > b.CreatedSeq
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID > b.ID
	})
	picked := candidates[0]
	return &picked
}
