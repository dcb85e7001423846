package loom_test

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loom"
	"github.com/loomdb/loom/dialect/sql"
)

func TestQuerySQL(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)

	tests := []struct {
		name      string
		query     func() *loom.Query
		wantQuery string
		wantArgs  []any
	}{
		{
			name:      "base",
			query:     func() *loom.Query { return client.Query("User") },
			wantQuery: "SELECT `users`.* FROM `users`",
		},
		{
			name: "where",
			query: func() *loom.Query {
				q := client.Query("User")
				return q.Where(sql.EQ(q.C("id"), 1))
			},
			wantQuery: "SELECT `users`.* FROM `users` WHERE `users`.`id` = ?",
			wantArgs:  []any{1},
		},
		{
			name: "where chain is flat",
			query: func() *loom.Query {
				q := client.Query("User")
				return q.Where(sql.EQ(q.C("id"), 1)).
					Where(sql.GT(q.C("country_id"), 5)).
					OrWhere(sql.EQ(q.C("name"), "alice"))
			},
			wantQuery: "SELECT `users`.* FROM `users` WHERE `users`.`id` = ? AND `users`.`country_id` > ? OR `users`.`name` = ?",
			wantArgs:  []any{1, 5, "alice"},
		},
		{
			name: "combinators parenthesize",
			query: func() *loom.Query {
				q := client.Query("User")
				return q.Where(sql.Or(
					sql.EQ(q.C("name"), "alice"),
					sql.And(sql.GT(q.C("id"), 1), sql.LT(q.C("id"), 9)),
				))
			},
			wantQuery: "SELECT `users`.* FROM `users` WHERE (`users`.`name` = ?) OR ((`users`.`id` > ?) AND (`users`.`id` < ?))",
			wantArgs:  []any{"alice", 1, 9},
		},
		{
			name: "primary key in",
			query: func() *loom.Query {
				return client.Query("User").WherePrimaryKeyIn([]any{1}, []any{2}, []any{3})
			},
			wantQuery: "SELECT `users`.* FROM `users` WHERE `users`.`id` IN (?, ?, ?)",
			wantArgs:  []any{1, 2, 3},
		},
		{
			name: "projection",
			query: func() *loom.Query {
				return client.Query("User").Select("id", "name")
			},
			wantQuery: "SELECT `users`.`id`, `users`.`name` FROM `users`",
		},
		{
			name: "order limit offset",
			query: func() *loom.Query {
				return client.Query("User").OrderBy("name DESC", "id").Limit(10).Offset(5)
			},
			wantQuery: "SELECT `users`.* FROM `users` ORDER BY `users`.`name` DESC, `users`.`id` LIMIT 10 OFFSET 5",
		},
		{
			name: "where has",
			query: func() *loom.Query {
				return client.Query("User").WhereHas("posts")
			},
			wantQuery: "SELECT `users`.* FROM `users` WHERE EXISTS (SELECT `posts`.* FROM `posts` WHERE `posts`.`user_id` = `users`.`id`)",
		},
		{
			name: "where has with refinement",
			query: func() *loom.Query {
				return client.Query("User").WhereHas("posts", sql.FieldEQ("title", "go"))
			},
			wantQuery: "SELECT `users`.* FROM `users` WHERE EXISTS (SELECT `posts`.* FROM `posts` WHERE `posts`.`user_id` = `users`.`id` AND `posts`.`title` = ?)",
			wantArgs:  []any{"go"},
		},
		{
			name: "where has through link table",
			query: func() *loom.Query {
				return client.Query("User").WhereHas("groups")
			},
			wantQuery: "SELECT `users`.* FROM `users` WHERE EXISTS (SELECT `groups`.* FROM `groups` JOIN `groups_users` ON `groups_users`.`group_id` = `groups`.`id` WHERE `groups_users`.`user_id` = `users`.`id`)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := tt.query().Selector().Query()
			assert.Equal(t, tt.wantQuery, query)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestAll(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` WHERE `users`.`name` = ?")).
		WithArgs("alice").
		WillReturnRows(userRows(t).AddRow(1, "alice", nil, "").AddRow(2, "alice", nil, ""))

	q := client.Query("User")
	users, err := q.Where(sql.EQ(q.C("name"), "alice")).All(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, 2, client.Identity().Len())
}

func TestFirst(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` LIMIT 1")).
		WillReturnRows(userRows(t))
	u, err := client.Query("User").First(ctx)
	require.NoError(t, err)
	assert.Nil(t, u)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` LIMIT 1")).
		WillReturnRows(userRows(t))
	_, err = client.Query("User").FirstOrErr(ctx)
	require.Error(t, err)
	assert.True(t, loom.IsNotFound(err))
}

func TestCount(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	// Count wraps the query as a derived table, dropping order and
	// window clauses.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM (SELECT `users`.* FROM `users`) AS `t`")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := client.Query("User").OrderBy("id").Limit(1).Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestExist(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM `users` WHERE `users`.`id` = ?)")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))
	q := client.Query("User")
	ok, err := q.Where(sql.EQ(q.C("id"), 1)).Exist(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM `users` WHERE `users`.`id` = ?)")).
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(0))
	q = client.Query("User")
	ok, err = q.Where(sql.EQ(q.C("id"), 9)).Exist(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPaginate(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM (SELECT `users`.* FROM `users`) AS `t`")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` LIMIT 2 OFFSET 2")).
		WillReturnRows(userRows(t).AddRow(3, "carol", nil, "").AddRow(4, "dave", nil, ""))

	page, err := client.Query("User").Paginate(context.Background(), 2, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, page.Total)
	assert.Len(t, page.Items, 2)
}

func TestPaginateWithTotal(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	// The caller-provided total replaces the COUNT round trip.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` LIMIT 2 OFFSET 0")).
		WillReturnRows(userRows(t).AddRow(1, "alice", nil, ""))

	page, err := client.Query("User").
		WithTotal(func(context.Context) (int64, error) { return 42, nil }).
		Paginate(context.Background(), 0, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 42, page.Total)
	assert.Len(t, page.Items, 1)
}

func TestCursor(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users`")).
		WillReturnRows(userRows(t).AddRow(1, "alice", nil, "").AddRow(2, "bob", nil, ""))

	cur, err := client.Query("User").Cursor(context.Background())
	require.NoError(t, err)
	defer cur.Close()

	var names []string
	for cur.Next() {
		name, err := cur.Entity().Get("name")
		require.NoError(t, err)
		names = append(names, name.(string))
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []string{"alice", "bob"}, names)

	// Rows hydrated through the cursor land in the identity cache too.
	assert.True(t, client.Identity().Has("User:1"))
}

func TestExplain(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("EXPLAIN SELECT `users`.* FROM `users` WHERE `users`.`id` = ?")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "select_type", "table"}).AddRow(1, "SIMPLE", "users"))

	q := client.Query("User")
	plan, err := q.Where(sql.EQ(q.C("id"), 1)).Explain(context.Background())
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "SIMPLE", plan[0]["select_type"])
}

func TestQueryUpdate(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE `users` SET `name` = ? WHERE `users`.`id` = ?")).
		WithArgs("bob", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := client.Query("User")
	n, err := q.Where(sql.EQ(q.C("id"), 1)).Update(context.Background(), map[string]any{"name": "bob"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestQueryDelete(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `users` WHERE `users`.`id` = ?")).
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := client.Query("User")
	n, err := q.Where(sql.EQ(q.C("id"), 1)).Delete(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestBuildErrorNeverExecutes(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)
	ctx := context.Background()

	// An empty IN list is a build error; no statement reaches the
	// driver (the mock has no expectations).
	q := client.Query("User")
	q.Where(sql.In(q.C("id")))
	_, err := q.All(ctx)
	require.Error(t, err)
	assert.True(t, loom.IsBuildError(err))

	_, err = q.Count(ctx)
	assert.True(t, loom.IsBuildError(err))

	_, err = q.Delete(ctx)
	assert.True(t, loom.IsBuildError(err))
}

func TestSelectProjectionSkipsIdentity(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	// Without the primary key in the projection the row cannot be
	// registered in the identity cache.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.`name` FROM `users`")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("alice"))

	users, err := client.Query("User").Select("name").All(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, 0, client.Identity().Len())
	assert.Nil(t, users[0].PrimaryKey()[0])
}
