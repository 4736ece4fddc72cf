package repo

import (
	"context"
	"database/sql"

	"statetrail/internal/domain"
)

func (r Repo) InsertProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO projects(org_id,title,created_by,created_at) VALUES (?,?,?,?)`,
		p.OrgID, p.Title, p.CreatedBy, p.CreatedAt)
	if err != nil {
		return domain.Project{}, err
	}
	p.ID, err = res.LastInsertId()
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	var p domain.Project
	var createdBy sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,title,created_by,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.OrgID, &p.Title, &createdBy, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if createdBy.Valid {
		p.CreatedBy = &createdBy.Int64
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,title,created_by,created_at FROM projects ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var createdBy sql.NullInt64
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Title, &createdBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		if createdBy.Valid {
			p.CreatedBy = &createdBy.Int64
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(project_id,org_id,data,created_at) VALUES (?,?,?,?)`,
		t.ProjectID, t.OrgID, nullable(t.Data), t.CreatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	var t domain.Task
	var data sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,org_id,data,created_at FROM tasks WHERE id=?`, id).
		Scan(&t.ID, &t.ProjectID, &t.OrgID, &data, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if data.Valid {
		t.Data = data.String
	}
	return t, err
}

func (r Repo) ListTasks(ctx context.Context, projectID int64) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,org_id,data,created_at FROM tasks WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var data sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.OrgID, &data, &t.CreatedAt); err != nil {
			return nil, err
		}
		if data.Valid {
			t.Data = data.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertAnnotation(ctx context.Context, a domain.Annotation) (domain.Annotation, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO annotations(task_id,project_id,org_id,completed_by_id,result,created_at) VALUES (?,?,?,?,?,?)`,
		a.TaskID, a.ProjectID, a.OrgID, a.CompletedByID, nullable(a.Result), a.CreatedAt)
	if err != nil {
		return domain.Annotation{}, err
	}
	a.ID, err = res.LastInsertId()
	return a, err
}

func (r Repo) GetAnnotation(ctx context.Context, id int64) (domain.Annotation, error) {
	var a domain.Annotation
	var completedBy sql.NullInt64
	var result sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,task_id,project_id,org_id,completed_by_id,result,created_at FROM annotations WHERE id=?`, id).
		Scan(&a.ID, &a.TaskID, &a.ProjectID, &a.OrgID, &completedBy, &result, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if completedBy.Valid {
		a.CompletedByID = &completedBy.Int64
	}
	if result.Valid {
		a.Result = result.String
	}
	return a, err
}
