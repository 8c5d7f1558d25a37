// Package pgstore is the Postgres implementation of the engine store. Row
// locks taken with SELECT ... FOR UPDATE serialize actions on one instance
// across processes.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"stagegate/internal/domain"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
)

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to dsn and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()
	if err := migrate.MigratePostgres(sqlDB); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, now: time.Now}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, fn)
}

const templateColumns = `id,name,company_id,COALESCE(department_id,''),sequence,active,version,forbid_self_approval,gates,created_at,updated_at,created_seq`

func scanTemplate(row pgx.Row) (domain.Template, error) {
	var t domain.Template
	var gates []byte
	var created, updated time.Time
	err := row.Scan(&t.ID, &t.Name, &t.CompanyID, &t.DepartmentID, &t.Sequence, &t.Active, &t.Version, &t.ForbidSelfApproval, &gates, &created, &updated, &t.CreatedSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, repo.ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(gates, &t.Gates); err != nil {
		return t, fmt.Errorf("decode gates of template %s: %w", t.ID, err)
	}
	t.CreatedAt, t.UpdatedAt = format(created), format(updated)
	return t, nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	return scanTemplate(s.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=$1`, id))
}

func (s *Store) ListTemplates(ctx context.Context, companyID string, includeInactive bool) ([]domain.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE ($1 = '' OR company_id = $1) AND ($2 OR active)
ORDER BY active DESC, company_id, sequence, created_seq`
	rows, err := s.pool.Query(ctx, query, companyID, includeInactive)
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

func (s *Store) ListActiveTemplates(ctx context.Context, companyID string) ([]domain.Template, error) {
	return s.ListTemplates(ctx, companyID, false)
}

// SaveTemplate follows the same version rule as the SQLite store: inserts
// start at version 1 and updates must advance the stored version by one.
func (s *Store) SaveTemplate(ctx context.Context, t domain.Template, evt domain.NewEvent) error {
	gates, err := json.Marshal(t.Gates)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
INSERT INTO templates(id,name,company_id,department_id,sequence,active,version,forbid_self_approval,gates,created_at,updated_at)
VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, company_id=EXCLUDED.company_id, department_id=EXCLUDED.department_id,
  sequence=EXCLUDED.sequence, active=EXCLUDED.active, version=EXCLUDED.version,
  forbid_self_approval=EXCLUDED.forbid_self_approval, gates=EXCLUDED.gates, updated_at=EXCLUDED.updated_at
WHERE templates.version = EXCLUDED.version - 1`,
			t.ID, t.Name, t.CompanyID, t.DepartmentID, t.Sequence, t.Active, t.Version, t.ForbidSelfApproval, gates,
			parse(t.CreatedAt), parse(t.UpdatedAt))
		if err != nil {
			return fmt.Errorf("save template: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("template %s version %d: %w", t.ID, t.Version, repo.ErrConflict)
		}
		return s.appendEvents(ctx, tx, evt)
	})
}

const instanceColumns = `id,document_id,COALESCE(document_kind,''),company_id,COALESCE(department_id,''),COALESCE(requester_id,''),template_id,template_version,amount,COALESCE(currency,''),outcome,COALESCE(rejection_reason,''),created_at,updated_at,decided_at`

func scanInstance(row pgx.Row) (domain.Instance, error) {
	var inst domain.Instance
	var created, updated time.Time
	var decided *time.Time
	err := row.Scan(&inst.ID, &inst.DocumentID, &inst.DocumentKind, &inst.CompanyID, &inst.DepartmentID, &inst.RequesterID,
		&inst.TemplateID, &inst.TemplateVersion, &inst.Amount, &inst.Currency, &inst.Outcome, &inst.RejectionReason,
		&created, &updated, &decided)
	if errors.Is(err, pgx.ErrNoRows) {
		return inst, repo.ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	inst.CreatedAt, inst.UpdatedAt = format(created), format(updated)
	inst.DecidedAt = formatPtr(decided)
	return inst, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadGates(ctx context.Context, q querier, instanceID string) ([]domain.Gate, error) {
	rows, err := q.Query(ctx, `
SELECT id,instance_id,position,tier,label,quorum_policy,required_approvers,actual_approvers,status,decision_at,COALESCE(rejected_by,''),COALESCE(rejection_reason,'')
FROM gates WHERE instance_id=$1 ORDER BY tier, position`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Gate
	for rows.Next() {
		var g domain.Gate
		var decided *time.Time
		if err := rows.Scan(&g.ID, &g.InstanceID, &g.Position, &g.Tier, &g.Label, &g.QuorumPolicy, &g.RequiredApprovers, &g.ActualApprovers,
			&g.Status, &decided, &g.RejectedBy, &g.RejectionReason); err != nil {
			return nil, err
		}
		g.DecisionAt = formatPtr(decided)
		if g.ActualApprovers == nil {
			g.ActualApprovers = []string{}
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func getInstance(ctx context.Context, q querier, where string, arg any) (domain.Instance, error) {
	inst, err := scanInstance(q.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE `+where, arg))
	if err != nil {
		return inst, err
	}
	inst.Gates, err = loadGates(ctx, q, inst.ID)
	return inst, err
}

func (s *Store) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	return getInstance(ctx, s.pool, "id=$1", id)
}

func (s *Store) InstanceForDocument(ctx context.Context, documentID string) (domain.Instance, error) {
	return getInstance(ctx, s.pool, "document_id=$1", documentID)
}

func (s *Store) ReplaceInstance(ctx context.Context, documentID string, inst *domain.Instance, evts []domain.NewEvent) (string, error) {
	discarded := ""
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		discarded = ""
		// The row lock below only covers documents that already have an
		// instance; the advisory lock also serializes first submissions.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, documentID); err != nil {
			return fmt.Errorf("lock document %s: %w", documentID, err)
		}
		prior, err := scanInstance(tx.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE document_id=$1 FOR UPDATE`, documentID))
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return err
		default:
			if _, err := tx.Exec(ctx, `DELETE FROM instances WHERE id=$1`, prior.ID); err != nil {
				return fmt.Errorf("discard instance %s: %w", prior.ID, err)
			}
			discarded = prior.ID
			if err := s.appendEvents(ctx, tx, repo.DiscardEvent(prior)); err != nil {
				return err
			}
		}
		if inst != nil {
			if _, err := tx.Exec(ctx, `
INSERT INTO instances(id,document_id,document_kind,company_id,department_id,requester_id,template_id,template_version,amount,currency,outcome,rejection_reason,created_at,updated_at,decided_at)
VALUES ($1,$2,NULLIF($3,''),$4,NULLIF($5,''),NULLIF($6,''),$7,$8,$9,NULLIF($10,''),$11,NULLIF($12,''),$13,$14,$15)`,
				inst.ID, inst.DocumentID, inst.DocumentKind, inst.CompanyID, inst.DepartmentID, inst.RequesterID,
				inst.TemplateID, inst.TemplateVersion, inst.Amount, inst.Currency, inst.Outcome, inst.RejectionReason,
				parse(inst.CreatedAt), parse(inst.UpdatedAt), parsePtr(inst.DecidedAt)); err != nil {
				return fmt.Errorf("insert instance: %w", err)
			}
			batch := &pgx.Batch{}
			for _, g := range inst.Gates {
				batch.Queue(`
INSERT INTO gates(id,instance_id,position,tier,label,quorum_policy,required_approvers,actual_approvers,status,decision_at,rejected_by,rejection_reason)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),NULLIF($12,''))`,
					g.ID, g.InstanceID, g.Position, g.Tier, g.Label, g.QuorumPolicy, nonNil(g.RequiredApprovers), nonNil(g.ActualApprovers),
					g.Status, parsePtr(g.DecisionAt), g.RejectedBy, g.RejectionReason)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("insert gates: %w", err)
			}
		}
		return s.appendEvents(ctx, tx, evts...)
	})
	if err != nil {
		return "", err
	}
	return discarded, nil
}

func (s *Store) MutateInstance(ctx context.Context, id string, fn func(*domain.Instance) ([]domain.NewEvent, error)) (domain.Instance, error) {
	var out domain.Instance
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		inst, err := getInstance(ctx, tx, "id=$1 FOR UPDATE", id)
		if err != nil {
			return err
		}
		evts, err := fn(&inst)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE instances SET outcome=$1, rejection_reason=NULLIF($2,''), updated_at=$3, decided_at=$4 WHERE id=$5`,
			inst.Outcome, inst.RejectionReason, parse(inst.UpdatedAt), parsePtr(inst.DecidedAt), inst.ID); err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		batch := &pgx.Batch{}
		for _, g := range inst.Gates {
			batch.Queue(`UPDATE gates SET actual_approvers=$1, status=$2, decision_at=$3, rejected_by=NULLIF($4,''), rejection_reason=NULLIF($5,'') WHERE id=$6`,
				nonNil(g.ActualApprovers), g.Status, parsePtr(g.DecisionAt), g.RejectedBy, g.RejectionReason, g.ID)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("update gates: %w", err)
		}
		if err := s.appendEvents(ctx, tx, evts...); err != nil {
			return err
		}
		out = inst
		return nil
	})
	return out, err
}

func (s *Store) InstancesAwaiting(ctx context.Context, principal string) ([]domain.Instance, error) {
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT g.instance_id FROM gates g JOIN instances i ON i.id=g.instance_id
WHERE g.status='ACTIVE' AND i.outcome='PENDING' AND $1 = ANY(g.required_approvers)
ORDER BY g.instance_id`, principal)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	res := make([]domain.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.GetInstance(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, nil
}

func (s *Store) AppendEvents(ctx context.Context, evts ...domain.NewEvent) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return s.appendEvents(ctx, tx, evts...)
	})
}

func (s *Store) appendEvents(ctx context.Context, tx pgx.Tx, evts ...domain.NewEvent) error {
	ts := s.now().UTC()
	for _, evt := range evts {
		payload := evt.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO events(ts,type,company_id,entity_kind,entity_id,actor_id,payload) VALUES ($1,$2,NULLIF($3,''),$4,NULLIF($5,''),$6,$7)`,
			ts, evt.Type, evt.CompanyID, evt.EntityKind, evt.EntityID, evt.ActorID, data); err != nil {
			return fmt.Errorf("append %s: %w", evt.Type, err)
		}
	}
	return nil
}

// LatestEvents mirrors repo.Repo.LatestEvents.
func (s *Store) LatestEvents(ctx context.Context, limit int, cursor int64, f repo.EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	where, args := eventWhere(f)
	if cursor > 0 {
		args = append(args, cursor)
		where = append(where, fmt.Sprintf("id<$%d", len(args)))
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(company_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload::text FROM events WHERE %s ORDER BY id DESC LIMIT $%d`,
		strings.Join(where, " AND "), len(args))
	return s.queryEvents(ctx, query, args...)
}

// EventsAfter mirrors repo.Repo.EventsAfter.
func (s *Store) EventsAfter(ctx context.Context, limit int, cursor int64, f repo.EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	where, args := eventWhere(f)
	if cursor > 0 {
		args = append(args, cursor)
		where = append(where, fmt.Sprintf("id>$%d", len(args)))
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(company_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload::text FROM events WHERE %s ORDER BY id ASC LIMIT $%d`,
		strings.Join(where, " AND "), len(args))
	return s.queryEvents(ctx, query, args...)
}

func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func eventWhere(f repo.EventFilters) ([]string, []any) {
	where := []string{"TRUE"}
	var args []any
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	add("company_id", f.CompanyID)
	add("type", f.Type)
	add("entity_kind", f.EntityKind)
	add("entity_id", f.EntityID)
	return where, args
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts time.Time
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.CompanyID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.TS = format(ts)
		res = append(res, e)
	}
	return res, rows.Err()
}

func format(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := format(*t)
	return &v
}

func parse(v string) time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

func parsePtr(v *string) *time.Time {
	if v == nil {
		return nil
	}
	t := parse(*v)
	return &t
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
