// internal/database/queries.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"workflow-crawler/internal/model"
)

var queriesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "crawler_store_queries_total",
	Help: "Statements issued against the crawl store.",
})

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Querier is every store operation the crawler and the read API use.
type Querier interface {
	UpsertOrganisation(ctx context.Context, name string) (model.Organisation, error)
	FindOrganisation(ctx context.Context, name string) (model.Organisation, error)
	SetOrganisationStatus(ctx context.Context, id int64, status model.OrgStatus) error
	SetOrganisationPollStatus(ctx context.Context, id int64, status model.PollStatus) error

	CreateRepository(ctx context.Context, repo model.Repository) (model.Repository, error)
	FindRepository(ctx context.Context, arg FindRepositoryParams) (model.Repository, error)
	GetRepository(ctx context.Context, id int64) (model.Repository, error)
	UpdateRepository(ctx context.Context, repo model.Repository) error
	SetRepositoryStatus(ctx context.Context, id int64, status model.RepoStatus) error
	SetRepositoryPollStatus(ctx context.Context, id int64, status model.PollStatus) error
	SetRepositoryRedirect(ctx context.Context, id, redirectID int64) error
	SetRefResolvedFields(ctx context.Context, arg SetRefResolvedFieldsParams) error

	CreateWorkflow(ctx context.Context, wf model.Workflow) (model.Workflow, error)
	FindWorkflow(ctx context.Context, repoID int64, path string) (model.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id int64, status model.WorkflowStatus) error
	UpdateWorkflowTypeAndPath(ctx context.Context, arg UpdateWorkflowTypeAndPathParams) error
	UpdateWorkflowContents(ctx context.Context, arg UpdateWorkflowContentsParams) error
	UpdateWorkflowRedirect(ctx context.Context, id, redirectID int64) error
	LinkWorkflows(ctx context.Context, parentID, childID int64) error

	NextReposToScan(ctx context.Context, limit int) ([]model.Repository, error)
	NextReposToFulfill(ctx context.Context, limit int) ([]model.Repository, error)
	NextWorkflowsToDownload(ctx context.Context, limit int) ([]model.Workflow, error)
	NextCommitsToResolve(ctx context.Context, limit int) ([]model.Repository, error)

	Summary(ctx context.Context) (Summary, error)
	ListRepositories(ctx context.Context, org string) ([]model.Repository, error)
	ListWorkflows(ctx context.Context, repoID int64) ([]model.Workflow, error)
	ListChildWorkflows(ctx context.Context, parentID int64) ([]model.Workflow, error)
}

var _ Querier = (*Queries)(nil)

type FindRepositoryParams struct {
	OrgID int64
	Name  string
	// Ref "" matches the repository at any ref.
	Ref string
}

type SetRefResolvedFieldsParams struct {
	ID              int64
	ResolvedRef     string
	ResolvedRefType model.RefType
}

type UpdateWorkflowTypeAndPathParams struct {
	ID   int64
	Type model.WorkflowType
	Path string
}

type UpdateWorkflowContentsParams struct {
	ID       int64
	Status   model.WorkflowStatus
	Contents string
	Data     string
}

// Summary counts rows per table and per terminal status.
type Summary struct {
	Organisations    int64            `json:"organisations"`
	Repositories     int64            `json:"repositories"`
	Workflows        int64            `json:"workflows"`
	Relationships    int64            `json:"relationships"`
	RepoStatuses     map[string]int64 `json:"repo_statuses"`
	WorkflowStatuses map[string]int64 `json:"workflow_statuses"`
}

// Queries runs the store statements against a DBTX.
type Queries struct {
	db      DBTX
	dialect Dialect
	count   *atomic.Int64
}

func New(db DBTX, dialect Dialect) *Queries {
	return &Queries{db: db, dialect: dialect, count: new(atomic.Int64)}
}

// WithTx returns a copy bound to tx that shares the query counter.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx, dialect: q.dialect, count: q.count}
}

// QueryCount returns the number of statements issued so far.
func (q *Queries) QueryCount() int64 {
	return q.count.Load()
}

// rebind rewrites ? placeholders as $n for postgres.
func (q *Queries) rebind(query string) string {
	if q.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// driverArgs turns the model's int-backed enums into plain int64 values, since
// drivers that check their own arguments reject named types.
func driverArgs(args []interface{}) []interface{} {
	for i, arg := range args {
		v := reflect.ValueOf(arg)
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			args[i] = v.Int()
		}
	}
	return args
}

func (q *Queries) exec(ctx context.Context, query string, args ...interface{}) error {
	q.count.Add(1)
	queriesTotal.Inc()
	_, err := q.db.ExecContext(ctx, q.rebind(query), driverArgs(args)...)
	return err
}

func (q *Queries) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	q.count.Add(1)
	queriesTotal.Inc()
	return q.db.QueryContext(ctx, q.rebind(query), driverArgs(args)...)
}

func (q *Queries) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	q.count.Add(1)
	queriesTotal.Inc()
	return q.db.QueryRowContext(ctx, q.rebind(query), driverArgs(args)...)
}

// ---- organisations ----

const selectOrganisation = `SELECT id, name, poll_status, status FROM organisations`

// UpsertOrganisation creates the organisation if no row with the same name
// (case-insensitive) exists and returns the stored row.
func (q *Queries) UpsertOrganisation(ctx context.Context, name string) (model.Organisation, error) {
	if err := q.exec(ctx, `INSERT INTO organisations (name) VALUES (?) ON CONFLICT DO NOTHING`, name); err != nil {
		return model.Organisation{}, fmt.Errorf("insert organisation %s: %w", name, err)
	}
	return q.FindOrganisation(ctx, name)
}

func (q *Queries) FindOrganisation(ctx context.Context, name string) (model.Organisation, error) {
	var o model.Organisation
	err := q.queryRow(ctx, selectOrganisation+` WHERE lower(name) = lower(?)`, name).
		Scan(&o.ID, &o.Name, &o.PollStatus, &o.Status)
	return o, err
}

func (q *Queries) SetOrganisationStatus(ctx context.Context, id int64, status model.OrgStatus) error {
	return q.exec(ctx, `UPDATE organisations SET status = ? WHERE id = ?`, status, id)
}

func (q *Queries) SetOrganisationPollStatus(ctx context.Context, id int64, status model.PollStatus) error {
	return q.exec(ctx, `UPDATE organisations SET poll_status = ? WHERE id = ?`, status, id)
}

// ---- repositories ----

const repoColumns = `r.id, r.org_id, o.name, r.name, r.ref, r.ref_type, r.ref_commit, r.resolved_ref,
	r.resolved_ref_type, r.visibility, r.stars, r.fork, r.archive, r.status, r.poll_status, r.redirect_id`

const selectRepository = `SELECT ` + repoColumns + `
	FROM repositories r JOIN organisations o ON o.id = r.org_id`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRepository(row scanner, extra ...interface{}) (model.Repository, error) {
	var r model.Repository
	dest := []interface{}{
		&r.ID, &r.OrgID, &r.Org, &r.Name, &r.Ref, &r.RefType, &r.RefCommit, &r.ResolvedRef,
		&r.ResolvedRefType, &r.Visibility, &r.Stars, &r.Fork, &r.Archive, &r.Status, &r.PollStatus, &r.RedirectID,
	}
	err := row.Scan(append(extra, dest...)...)
	return r, err
}

func collectRepositories(rows *sql.Rows) ([]model.Repository, error) {
	defer rows.Close()
	var repos []model.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// CreateRepository inserts the repository if (org, name, ref) is new and returns the
// stored row. An existing row is returned unchanged.
func (q *Queries) CreateRepository(ctx context.Context, repo model.Repository) (model.Repository, error) {
	if repo.OrgID == 0 {
		return model.Repository{}, fmt.Errorf("repository %s has no organisation", repo)
	}
	err := q.exec(ctx, `INSERT INTO repositories
		(org_id, name, ref, ref_type, ref_commit, resolved_ref, resolved_ref_type, visibility, stars, fork, archive, status, poll_status, redirect_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		repo.OrgID, repo.Name, repo.Ref, repo.RefType, repo.RefCommit, repo.ResolvedRef, repo.ResolvedRefType,
		repo.Visibility, repo.Stars, repo.Fork, repo.Archive, repo.Status, repo.PollStatus, repo.RedirectID)
	if err != nil {
		return model.Repository{}, fmt.Errorf("insert repository %s: %w", repo, err)
	}
	return q.findRepositoryByRef(ctx, repo.OrgID, repo.Name, repo.Ref)
}

func (q *Queries) FindRepository(ctx context.Context, arg FindRepositoryParams) (model.Repository, error) {
	if arg.Ref == "" {
		return scanRepository(q.queryRow(ctx, selectRepository+`
			WHERE r.org_id = ? AND lower(r.name) = lower(?) ORDER BY r.id LIMIT 1`, arg.OrgID, arg.Name))
	}
	return q.findRepositoryByRef(ctx, arg.OrgID, arg.Name, arg.Ref)
}

func (q *Queries) findRepositoryByRef(ctx context.Context, orgID int64, name, ref string) (model.Repository, error) {
	return scanRepository(q.queryRow(ctx, selectRepository+`
		WHERE r.org_id = ? AND lower(r.name) = lower(?) AND r.ref = ?`, orgID, name, ref))
}

func (q *Queries) GetRepository(ctx context.Context, id int64) (model.Repository, error) {
	return scanRepository(q.queryRow(ctx, selectRepository+` WHERE r.id = ?`, id))
}

// UpdateRepository writes the fields ref resolution fills in.
func (q *Queries) UpdateRepository(ctx context.Context, repo model.Repository) error {
	return q.exec(ctx, `UPDATE repositories SET
		ref = ?, ref_type = ?, ref_commit = ?, visibility = ?, stars = ?, fork = ?, archive = ?, status = ?
		WHERE id = ?`,
		repo.Ref, repo.RefType, repo.RefCommit, repo.Visibility, repo.Stars, repo.Fork, repo.Archive, repo.Status, repo.ID)
}

func (q *Queries) SetRepositoryStatus(ctx context.Context, id int64, status model.RepoStatus) error {
	return q.exec(ctx, `UPDATE repositories SET status = ? WHERE id = ?`, status, id)
}

func (q *Queries) SetRepositoryPollStatus(ctx context.Context, id int64, status model.PollStatus) error {
	return q.exec(ctx, `UPDATE repositories SET poll_status = ? WHERE id = ?`, status, id)
}

// SetRepositoryRedirect marks the repository as a REDIRECT to another row.
func (q *Queries) SetRepositoryRedirect(ctx context.Context, id, redirectID int64) error {
	return q.exec(ctx, `UPDATE repositories SET status = ?, redirect_id = ? WHERE id = ?`, model.RepoStatusRedirect, redirectID, id)
}

func (q *Queries) SetRefResolvedFields(ctx context.Context, arg SetRefResolvedFieldsParams) error {
	return q.exec(ctx, `UPDATE repositories SET resolved_ref = ?, resolved_ref_type = ? WHERE id = ?`,
		arg.ResolvedRef, arg.ResolvedRefType, arg.ID)
}

// ---- workflows ----

const selectWorkflow = `SELECT w.id, w.repo_id, w.redirect_id, w.path, w.type, w.status, w.contents, w.data, ` + repoColumns + `
	FROM workflows w
	JOIN repositories r ON r.id = w.repo_id
	JOIN organisations o ON o.id = r.org_id`

func scanWorkflow(row scanner) (model.Workflow, error) {
	var w model.Workflow
	repo, err := scanRepository(row, &w.ID, &w.RepoID, &w.RedirectID, &w.Path, &w.Type, &w.Status, &w.Contents, &w.Data)
	if err != nil {
		return model.Workflow{}, err
	}
	w.Repo = repo
	return w, nil
}

func collectWorkflows(rows *sql.Rows) ([]model.Workflow, error) {
	defer rows.Close()
	var workflows []model.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// CreateWorkflow inserts the workflow if (repo, path) is new and returns the stored
// row joined with its repository.
func (q *Queries) CreateWorkflow(ctx context.Context, wf model.Workflow) (model.Workflow, error) {
	if wf.RepoID == 0 {
		return model.Workflow{}, fmt.Errorf("workflow %s has no repository", wf)
	}
	err := q.exec(ctx, `INSERT INTO workflows (repo_id, redirect_id, path, type, status, contents, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		wf.RepoID, wf.RedirectID, wf.Path, wf.Type, wf.Status, wf.Contents, wf.Data)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("insert workflow %s: %w", wf, err)
	}
	return q.FindWorkflow(ctx, wf.RepoID, wf.Path)
}

func (q *Queries) FindWorkflow(ctx context.Context, repoID int64, path string) (model.Workflow, error) {
	return scanWorkflow(q.queryRow(ctx, selectWorkflow+` WHERE w.repo_id = ? AND lower(w.path) = lower(?)`, repoID, path))
}

func (q *Queries) UpdateWorkflowStatus(ctx context.Context, id int64, status model.WorkflowStatus) error {
	return q.exec(ctx, `UPDATE workflows SET status = ? WHERE id = ?`, status, id)
}

func (q *Queries) UpdateWorkflowTypeAndPath(ctx context.Context, arg UpdateWorkflowTypeAndPathParams) error {
	return q.exec(ctx, `UPDATE workflows SET type = ?, path = ? WHERE id = ?`, arg.Type, arg.Path, arg.ID)
}

func (q *Queries) UpdateWorkflowContents(ctx context.Context, arg UpdateWorkflowContentsParams) error {
	return q.exec(ctx, `UPDATE workflows SET status = ?, contents = ?, data = ? WHERE id = ?`,
		arg.Status, arg.Contents, arg.Data, arg.ID)
}

func (q *Queries) UpdateWorkflowRedirect(ctx context.Context, id, redirectID int64) error {
	return q.exec(ctx, `UPDATE workflows SET redirect_id = ? WHERE id = ?`, redirectID, id)
}

// LinkWorkflows records a caller to callee edge once.
func (q *Queries) LinkWorkflows(ctx context.Context, parentID, childID int64) error {
	return q.exec(ctx, `INSERT INTO workflow_relationships (parent_id, child_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		parentID, childID)
}

// ---- next batch ----

func (q *Queries) NextReposToScan(ctx context.Context, limit int) ([]model.Repository, error) {
	rows, err := q.query(ctx, selectRepository+`
		WHERE r.poll_status = ?
		ORDER BY o.name, r.name, r.ref
		LIMIT ?`, model.PollStatusPending, limit)
	if err != nil {
		return nil, err
	}
	return collectRepositories(rows)
}

// NextReposToFulfill returns scanned repositories with an unknown status that still
// have workflows waiting to be downloaded.
func (q *Queries) NextReposToFulfill(ctx context.Context, limit int) ([]model.Repository, error) {
	rows, err := q.query(ctx, selectRepository+`
		WHERE r.status = ? AND r.poll_status = ?
		AND EXISTS (SELECT 1 FROM workflows w WHERE w.repo_id = r.id AND w.status = ?)
		ORDER BY r.id
		LIMIT ?`, model.RepoStatusNone, model.PollStatusScanned, model.WorkflowStatusNone, limit)
	if err != nil {
		return nil, err
	}
	return collectRepositories(rows)
}

func (q *Queries) NextWorkflowsToDownload(ctx context.Context, limit int) ([]model.Workflow, error) {
	rows, err := q.query(ctx, selectWorkflow+`
		WHERE w.status = ?
		ORDER BY w.id
		LIMIT ?`, model.WorkflowStatusNone, limit)
	if err != nil {
		return nil, err
	}
	return collectWorkflows(rows)
}

func (q *Queries) NextCommitsToResolve(ctx context.Context, limit int) ([]model.Repository, error) {
	rows, err := q.query(ctx, selectRepository+`
		WHERE r.ref_type = ? AND r.resolved_ref_type = ?
		ORDER BY o.name, r.name, r.ref
		LIMIT ?`, model.RefTypeCommit, model.RefTypeUnknown, limit)
	if err != nil {
		return nil, err
	}
	return collectRepositories(rows)
}

// ---- read side ----

func (q *Queries) Summary(ctx context.Context) (Summary, error) {
	s := Summary{
		RepoStatuses:     map[string]int64{},
		WorkflowStatuses: map[string]int64{},
	}
	counts := []struct {
		table string
		dest  *int64
	}{
		{"organisations", &s.Organisations},
		{"repositories", &s.Repositories},
		{"workflows", &s.Workflows},
		{"workflow_relationships", &s.Relationships},
	}
	for _, c := range counts {
		if err := q.queryRow(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(c.dest); err != nil {
			return Summary{}, fmt.Errorf("count %s: %w", c.table, err)
		}
	}

	err := q.groupByStatus(ctx, "repositories", func(status int, n int64) {
		s.RepoStatuses[model.RepoStatus(status).String()] = n
	})
	if err != nil {
		return Summary{}, err
	}
	err = q.groupByStatus(ctx, "workflows", func(status int, n int64) {
		s.WorkflowStatuses[model.WorkflowStatus(status).String()] = n
	})
	if err != nil {
		return Summary{}, err
	}
	return s, nil
}

func (q *Queries) groupByStatus(ctx context.Context, table string, fn func(status int, n int64)) error {
	rows, err := q.query(ctx, `SELECT status, COUNT(*) FROM `+table+` GROUP BY status`)
	if err != nil {
		return fmt.Errorf("group %s by status: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var status int
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return err
		}
		fn(status, n)
	}
	return rows.Err()
}

func (q *Queries) ListRepositories(ctx context.Context, org string) ([]model.Repository, error) {
	rows, err := q.query(ctx, selectRepository+`
		WHERE lower(o.name) = lower(?)
		ORDER BY r.name, r.ref`, org)
	if err != nil {
		return nil, err
	}
	return collectRepositories(rows)
}

func (q *Queries) ListWorkflows(ctx context.Context, repoID int64) ([]model.Workflow, error) {
	rows, err := q.query(ctx, selectWorkflow+` WHERE w.repo_id = ? ORDER BY w.path`, repoID)
	if err != nil {
		return nil, err
	}
	return collectWorkflows(rows)
}

func (q *Queries) ListChildWorkflows(ctx context.Context, parentID int64) ([]model.Workflow, error) {
	rows, err := q.query(ctx, selectWorkflow+`
		JOIN workflow_relationships wr ON wr.child_id = w.id
		WHERE wr.parent_id = ?
		ORDER BY w.id`, parentID)
	if err != nil {
		return nil, err
	}
	return collectWorkflows(rows)
}

// IsNotFound reports whether err means a lookup matched no row.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
