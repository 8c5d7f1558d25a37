package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stagegate/internal/domain"
	"stagegate/internal/events"
)

// Repo is the SQLite-backed store for templates, instances and the event log.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

var ErrNotFound = errors.New("not found")

// ErrConflict reports a write based on a stale version of a row.
var ErrConflict = errors.New("concurrent modification")

func New(db *sql.DB, now func() time.Time) Repo {
	return Repo{DB: db, Events: events.Writer{Now: now}}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const templateColumns = `id,name,company_id,COALESCE(department_id,''),sequence,active,version,forbid_self_approval,gates_json,created_at,updated_at,created_seq`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (domain.Template, error) {
	var t domain.Template
	var gatesJSON string
	err := row.Scan(&t.ID, &t.Name, &t.CompanyID, &t.DepartmentID, &t.Sequence, &t.Active, &t.Version, &t.ForbidSelfApproval, &gatesJSON, &t.CreatedAt, &t.UpdatedAt, &t.CreatedSeq)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(gatesJSON), &t.Gates); err != nil {
		return t, fmt.Errorf("decode gates of template %s: %w", t.ID, err)
	}
	return t, nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	return scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=?`, id))
}

// ListTemplates returns templates of a company (all companies when empty), active first.
func (r Repo) ListTemplates(ctx context.Context, companyID string, includeInactive bool) ([]domain.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE 1=1`
	var args []any
	if companyID != "" {
		query += ` AND company_id=?`
		args = append(args, companyID)
	}
	if !includeInactive {
		query += ` AND active=1`
	}
	query += ` ORDER BY active DESC, company_id, sequence, created_seq`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListActiveTemplates(ctx context.Context, companyID string) ([]domain.Template, error) {
	return r.ListTemplates(ctx, companyID, false)
}

// SaveTemplate inserts t at version 1 or updates the stored row when it is
// still at t.Version-1, and logs evt in the same transaction. A row at any
// other version yields ErrConflict.
func (r Repo) SaveTemplate(ctx context.Context, t domain.Template, evt domain.NewEvent) error {
	gatesJSON, err := json.Marshal(t.Gates)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `
INSERT INTO templates(id,name,company_id,department_id,sequence,active,version,forbid_self_approval,gates_json,created_at,updated_at,created_seq)
VALUES (?,?,?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(created_seq),0)+1 FROM templates))
ON CONFLICT(id) DO UPDATE SET name=excluded.name, company_id=excluded.company_id, department_id=excluded.department_id,
  sequence=excluded.sequence, active=excluded.active, version=excluded.version,
  forbid_self_approval=excluded.forbid_self_approval, gates_json=excluded.gates_json, updated_at=excluded.updated_at
WHERE templates.version = excluded.version - 1`,
		t.ID, t.Name, t.CompanyID, nullable(t.DepartmentID), t.Sequence, t.Active, t.Version, t.ForbidSelfApproval, string(gatesJSON), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("template %s version %d: %w", t.ID, t.Version, ErrConflict)
	}
	if err := r.Events.Append(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

const instanceColumns = `id,document_id,COALESCE(document_kind,''),company_id,COALESCE(department_id,''),COALESCE(requester_id,''),template_id,template_version,amount,COALESCE(currency,''),outcome,COALESCE(rejection_reason,''),created_at,updated_at,decided_at`

func scanInstance(row rowScanner) (domain.Instance, error) {
	var inst domain.Instance
	var decided sql.NullString
	err := row.Scan(&inst.ID, &inst.DocumentID, &inst.DocumentKind, &inst.CompanyID, &inst.DepartmentID, &inst.RequesterID,
		&inst.TemplateID, &inst.TemplateVersion, &inst.Amount, &inst.Currency, &inst.Outcome, &inst.RejectionReason,
		&inst.CreatedAt, &inst.UpdatedAt, &decided)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	if decided.Valid {
		inst.DecidedAt = &decided.String
	}
	return inst, nil
}

func loadGates(ctx context.Context, q queryer, instanceID string) ([]domain.Gate, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id,instance_id,position,tier,label,quorum_policy,required_json,actual_json,status,decision_at,COALESCE(rejected_by,''),COALESCE(rejection_reason,'')
FROM gates WHERE instance_id=? ORDER BY tier, position`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Gate
	for rows.Next() {
		var g domain.Gate
		var required, actual string
		var decided sql.NullString
		if err := rows.Scan(&g.ID, &g.InstanceID, &g.Position, &g.Tier, &g.Label, &g.QuorumPolicy, &required, &actual, &g.Status, &decided, &g.RejectedBy, &g.RejectionReason); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(required), &g.RequiredApprovers); err != nil {
			return nil, fmt.Errorf("decode approvers of gate %s: %w", g.ID, err)
		}
		if err := json.Unmarshal([]byte(actual), &g.ActualApprovers); err != nil {
			return nil, fmt.Errorf("decode approvals of gate %s: %w", g.ID, err)
		}
		if decided.Valid {
			g.DecisionAt = &decided.String
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func getInstance(ctx context.Context, q queryer, where string, arg any) (domain.Instance, error) {
	inst, err := scanInstance(q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE `+where, arg))
	if err != nil {
		return inst, err
	}
	inst.Gates, err = loadGates(ctx, q, inst.ID)
	return inst, err
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	return getInstance(ctx, r.DB, "id=?", id)
}

func (r Repo) InstanceForDocument(ctx context.Context, documentID string) (domain.Instance, error) {
	return getInstance(ctx, r.DB, "document_id=?", documentID)
}

// ReplaceInstance stores inst as the live instance of documentID, discarding any
// prior one. A nil inst only discards. evts are appended in the same transaction.
func (r Repo) ReplaceInstance(ctx context.Context, documentID string, inst *domain.Instance, evts []domain.NewEvent) (string, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	prior, err := scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE document_id=?`, documentID))
	discarded := ""
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return "", err
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id=?`, prior.ID); err != nil {
			return "", fmt.Errorf("discard instance %s: %w", prior.ID, err)
		}
		discarded = prior.ID
		if err := r.Events.Append(ctx, tx, DiscardEvent(prior)); err != nil {
			return "", err
		}
	}
	if inst != nil {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO instances(id,document_id,document_kind,company_id,department_id,requester_id,template_id,template_version,amount,currency,outcome,rejection_reason,created_at,updated_at,decided_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			inst.ID, inst.DocumentID, nullable(inst.DocumentKind), inst.CompanyID, nullable(inst.DepartmentID), nullable(inst.RequesterID),
			inst.TemplateID, inst.TemplateVersion, inst.Amount, nullable(inst.Currency), inst.Outcome, nullable(inst.RejectionReason),
			inst.CreatedAt, inst.UpdatedAt, nullableStringPtr(inst.DecidedAt)); err != nil {
			return "", fmt.Errorf("insert instance: %w", err)
		}
		for _, g := range inst.Gates {
			if err := insertGate(ctx, tx, g); err != nil {
				return "", err
			}
		}
	}
	if err := r.Events.Append(ctx, tx, evts...); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return discarded, nil
}

// DiscardEvent is logged when a re-submission replaces a live instance.
func DiscardEvent(prior domain.Instance) domain.NewEvent {
	return domain.NewEvent{
		Type:       events.InstanceDiscarded,
		CompanyID:  prior.CompanyID,
		EntityKind: "instance",
		EntityID:   prior.ID,
		ActorID:    "system",
		Payload:    map[string]any{"document_id": prior.DocumentID, "outcome": prior.Outcome},
	}
}

func insertGate(ctx context.Context, tx *sql.Tx, g domain.Gate) error {
	required, err := json.Marshal(nonNil(g.RequiredApprovers))
	if err != nil {
		return err
	}
	actual, err := json.Marshal(nonNil(g.ActualApprovers))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO gates(id,instance_id,position,tier,label,quorum_policy,required_json,actual_json,status,decision_at,rejected_by,rejection_reason)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.InstanceID, g.Position, g.Tier, g.Label, g.QuorumPolicy, string(required), string(actual), g.Status,
		nullableStringPtr(g.DecisionAt), nullable(g.RejectedBy), nullable(g.RejectionReason)); err != nil {
		return fmt.Errorf("insert gate %s: %w", g.Label, err)
	}
	return nil
}

// MutateInstance loads the instance, applies fn and persists the result with
// the events fn returns, all in one write transaction. If fn fails nothing is
// written and its error is returned unchanged.
func (r Repo) MutateInstance(ctx context.Context, id string, fn func(*domain.Instance) ([]domain.NewEvent, error)) (domain.Instance, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()
	inst, err := getInstance(ctx, tx, "id=?", id)
	if err != nil {
		return domain.Instance{}, err
	}
	evts, err := fn(&inst)
	if err != nil {
		return domain.Instance{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE instances SET outcome=?, rejection_reason=?, updated_at=?, decided_at=? WHERE id=?`,
		inst.Outcome, nullable(inst.RejectionReason), inst.UpdatedAt, nullableStringPtr(inst.DecidedAt), inst.ID); err != nil {
		return domain.Instance{}, fmt.Errorf("update instance: %w", err)
	}
	for _, g := range inst.Gates {
		actual, err := json.Marshal(nonNil(g.ActualApprovers))
		if err != nil {
			return domain.Instance{}, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE gates SET actual_json=?, status=?, decision_at=?, rejected_by=?, rejection_reason=? WHERE id=?`,
			string(actual), g.Status, nullableStringPtr(g.DecisionAt), nullable(g.RejectedBy), nullable(g.RejectionReason), g.ID); err != nil {
			return domain.Instance{}, fmt.Errorf("update gate %s: %w", g.ID, err)
		}
	}
	if err := r.Events.Append(ctx, tx, evts...); err != nil {
		return domain.Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	return inst, nil
}

// InstancesAwaiting returns pending instances with an active gate listing principal.
func (r Repo) InstancesAwaiting(ctx context.Context, principal string) ([]domain.Instance, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT DISTINCT g.instance_id FROM gates g, json_each(g.required_json) j
JOIN instances i ON i.id=g.instance_id
WHERE g.status='ACTIVE' AND i.outcome='PENDING' AND j.value=?
ORDER BY g.instance_id`, principal)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res := make([]domain.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := r.GetInstance(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, nil
}

// AppendEvents writes events that have no accompanying state change.
func (r Repo) AppendEvents(ctx context.Context, evts ...domain.NewEvent) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Events.Append(ctx, tx, evts...); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
