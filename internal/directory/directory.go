package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stagegate/internal/domain"
)

// Service resolves line and department managers from SQL tables.
type Service struct {
	DB *sql.DB
}

// ManagerOf returns the line manager of an employee, or "" when none is recorded.
func (s Service) ManagerOf(ctx context.Context, employeeID string) (string, error) {
	if employeeID == "" {
		return "", nil
	}
	return s.lookup(ctx, `SELECT COALESCE(manager_id,'') FROM employees WHERE id=?`, employeeID)
}

// DepartmentManager returns the manager of a department, or "" when none is recorded.
func (s Service) DepartmentManager(ctx context.Context, departmentID string) (string, error) {
	if departmentID == "" {
		return "", nil
	}
	return s.lookup(ctx, `SELECT COALESCE(manager_id,'') FROM departments WHERE id=?`, departmentID)
}

func (s Service) lookup(ctx context.Context, query, id string) (string, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, query, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// Import upserts employees and departments in one transaction.
func (s Service) Import(ctx context.Context, employees []domain.Employee, departments []domain.Department) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range employees {
		if e.ID == "" {
			return errors.New("employee id required")
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO employees(id,manager_id,department_id) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET manager_id=excluded.manager_id, department_id=excluded.department_id`,
			e.ID, nullable(e.ManagerID), nullable(e.DepartmentID)); err != nil {
			return fmt.Errorf("import employee %s: %w", e.ID, err)
		}
	}
	for _, d := range departments {
		if d.ID == "" {
			return errors.New("department id required")
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO departments(id,company_id,manager_id) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET company_id=excluded.company_id, manager_id=excluded.manager_id`,
			d.ID, nullable(d.CompanyID), nullable(d.ManagerID)); err != nil {
			return fmt.Errorf("import department %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

func (s Service) ListEmployees(ctx context.Context) ([]domain.Employee, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,COALESCE(manager_id,''),COALESCE(department_id,'') FROM employees ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Employee
	for rows.Next() {
		var e domain.Employee
		if err := rows.Scan(&e.ID, &e.ManagerID, &e.DepartmentID); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Static is an in-memory directory, used when no SQL directory is available.
type Static struct {
	Managers           map[string]string
	DepartmentManagers map[string]string
}

// NewStatic indexes directory entries by id.
func NewStatic(employees []domain.Employee, departments []domain.Department) Static {
	s := Static{Managers: map[string]string{}, DepartmentManagers: map[string]string{}}
	for _, e := range employees {
		s.Managers[e.ID] = e.ManagerID
	}
	for _, d := range departments {
		s.DepartmentManagers[d.ID] = d.ManagerID
	}
	return s
}

func (s Static) ManagerOf(_ context.Context, employeeID string) (string, error) {
	return s.Managers[employeeID], nil
}

func (s Static) DepartmentManager(_ context.Context, departmentID string) (string, error) {
	return s.DepartmentManagers[departmentID], nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
