package loom_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loom"
	"github.com/loomdb/loom/dialect"
	"github.com/loomdb/loom/dialect/sql"
	"github.com/loomdb/loom/schema"
)

// testRegistry builds the model catalog the behavior tests run against:
// a social-ish graph exercising every relation kind, plus a polymorphic
// vehicle hierarchy.
func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	vehicleColumns := func() []*schema.Column {
		return []*schema.Column{
			{Name: "id", PrimaryKey: true},
			{Name: "kind"},
			{Name: "name"},
			{Name: "user_id", Nullable: true},
		}
	}
	owner := func() *schema.Relation {
		return &schema.Relation{Name: "owner", Kind: schema.BelongsTo, Target: "User"}
	}
	for _, s := range []*schema.Schema{
		{
			Name: "User",
			Columns: []*schema.Column{
				{Name: "id", PrimaryKey: true},
				{Name: "name"},
				{Name: "country_id", Nullable: true},
				{Name: "password", Hidden: true},
			},
			Relations: []*schema.Relation{
				{Name: "posts", Kind: schema.HasMany, Target: "Post", OrderBy: []string{"id"}},
				{Name: "profile", Kind: schema.HasOne, Target: "Profile"},
				{Name: "groups", Kind: schema.BelongsToMany, Target: "Group"},
				// Users sharing this user's country, keyed by a nullable
				// non-pk column.
				{Name: "compatriots", Kind: schema.HasMany, Target: "User", LocalKey: "country_id", ForeignKey: "country_id"},
				{Name: "badge", Kind: schema.Custom},
			},
		},
		{
			Name: "Post",
			Columns: []*schema.Column{
				{Name: "id", PrimaryKey: true},
				{Name: "user_id", Nullable: true},
				{Name: "title"},
			},
			Relations: []*schema.Relation{
				{Name: "author", Kind: schema.BelongsTo, Target: "User"},
			},
		},
		{
			Name: "Profile",
			Columns: []*schema.Column{
				{Name: "id", PrimaryKey: true},
				{Name: "user_id"},
				{Name: "bio"},
			},
		},
		{
			Name: "Group",
			Columns: []*schema.Column{
				{Name: "id", PrimaryKey: true},
				{Name: "name"},
			},
		},
		{
			Name: "Country",
			Columns: []*schema.Column{
				{Name: "id", PrimaryKey: true},
				{Name: "name"},
			},
			Relations: []*schema.Relation{
				{Name: "posts", Kind: schema.HasManyThrough, Target: "Post", Through: "User"},
			},
		},
		{
			Name:          "Vehicle",
			Columns:       vehicleColumns(),
			Discriminator: "kind",
			Subtypes:      map[string]string{"car": "Car", "bike": "Bike"},
			Relations:     []*schema.Relation{owner()},
		},
		{
			Name:    "Car",
			Table:   "vehicles",
			Columns: vehicleColumns(),
			Relations: []*schema.Relation{
				owner(),
				{Name: "wheels", Kind: schema.HasMany, Target: "Wheel", ForeignKey: "vehicle_id"},
			},
		},
		{
			Name:      "Bike",
			Table:     "vehicles",
			Columns:   vehicleColumns(),
			Relations: []*schema.Relation{owner()},
		},
		{
			Name: "Wheel",
			Columns: []*schema.Column{
				{Name: "id", PrimaryKey: true},
				{Name: "vehicle_id"},
				{Name: "position"},
			},
		},
		{
			Name: "Token",
			Columns: []*schema.Column{
				{Name: "id", PrimaryKey: true},
				{Name: "user_id"},
			},
		},
	} {
		require.NoError(t, reg.Register(s))
	}
	return reg
}

// newTestClient returns a client over a sqlmock-backed mysql driver. The
// cleanup asserts that every declared expectation was consumed.
func newTestClient(t *testing.T, opts ...loom.Option) (*loom.Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	client := loom.NewClient(testRegistry(t), sql.OpenDB(dialect.MySQL, db), opts...)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.ExpectClose()
		assert.NoError(t, client.Close())
	})
	return client, mock
}

func userRows(t *testing.T) *sqlmock.Rows {
	t.Helper()
	return sqlmock.NewRows([]string{"id", "name", "country_id", "password"})
}

func TestFind(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` WHERE `users`.`id` = ? LIMIT 1")).
		WithArgs(1).
		WillReturnRows(userRows(t).AddRow(1, "alice", nil, "s3cret"))

	u, err := client.Find(ctx, "User", 1)
	require.NoError(t, err)
	assert.Equal(t, "User", u.Model())
	name, err := u.Get("name")
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	// The hidden column is loaded and readable, but never exported.
	secret, err := u.Get("password")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", secret)
	assert.NotContains(t, u.AsMap(), "password")
	assert.Contains(t, u.AsMap(), "name")
}

func TestFindIdentity(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()

	// One expectation only: the second Find is served by the identity
	// cache and issues no query.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` WHERE `users`.`id` = ? LIMIT 1")).
		WithArgs(1).
		WillReturnRows(userRows(t).AddRow(1, "alice", nil, ""))

	u1, err := client.Find(ctx, "User", 1)
	require.NoError(t, err)
	u2, err := client.Find(ctx, "User", 1)
	require.NoError(t, err)
	assert.Same(t, u1, u2)
	assert.True(t, client.Identity().Has("User:1"))
	assert.Equal(t, 1, client.Identity().Len())
}

func TestFindNotFound(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` WHERE `users`.`id` = ? LIMIT 1")).
		WithArgs(99).
		WillReturnRows(userRows(t))

	_, err := client.Find(context.Background(), "User", 99)
	require.Error(t, err)
	assert.True(t, loom.IsNotFound(err))
	var nfe *loom.NotFoundError
	require.ErrorAs(t, err, &nfe)
	assert.Equal(t, 99, nfe.ID())
}

func TestFindArityMismatch(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)

	_, err := client.Find(context.Background(), "User", 1, 2)
	require.Error(t, err)
	assert.True(t, loom.IsBuildError(err))
}

func TestUnknownModel(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)

	_, err := client.Query("Ghost").All(context.Background())
	require.Error(t, err)
	assert.True(t, loom.IsSchemaError(err))

	_, err = client.Find(context.Background(), "Ghost", 1)
	assert.True(t, loom.IsSchemaError(err))
}

func TestPolymorphicHydration(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `vehicles`.* FROM `vehicles`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "name", "user_id"}).
			AddRow(1, "car", "roadster", 10).
			AddRow(2, "bike", "bmx", nil).
			AddRow(3, "boat", "dinghy", nil))

	vs, err := client.Query("Vehicle").All(context.Background())
	require.NoError(t, err)
	require.Len(t, vs, 3)
	assert.Equal(t, "Car", vs[0].Model())
	assert.Equal(t, "Bike", vs[1].Model())
	// An unmapped discriminator value hydrates as the base model.
	assert.Equal(t, "Vehicle", vs[2].Model())

	// Identity registration happens under the concrete subtype.
	assert.True(t, client.Identity().Has("Car:1"))
	assert.True(t, client.Identity().Has("Bike:2"))
	assert.True(t, client.Identity().Has("Vehicle:3"))
	assert.False(t, client.Identity().Has("Vehicle:1"))
}

func TestCreate(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `users` (`name`) VALUES (?)")).
		WithArgs("carol").
		WillReturnResult(sqlmock.NewResult(7, 1))

	u, err := client.Create(context.Background(), "User", map[string]any{"name": "carol"})
	require.NoError(t, err)
	id, err := u.Get("id")
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)
	assert.True(t, client.Identity().Has("User:7"))
}

func TestCreateWithExplicitKey(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	id := uuid.NewString()

	// A present key skips LastInsertId entirely.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `tokens` (`id`, `user_id`) VALUES (?, ?)")).
		WithArgs(id, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tok, err := client.Create(context.Background(), "Token", map[string]any{"id": id, "user_id": 1})
	require.NoError(t, err)
	got, err := tok.Get("id")
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.True(t, client.Identity().Has("Token:"+id))
}

func TestSave(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` WHERE `users`.`id` = ? LIMIT 1")).
		WithArgs(1).
		WillReturnRows(userRows(t).AddRow(1, "alice", nil, ""))
	u, err := client.Find(ctx, "User", 1)
	require.NoError(t, err)

	// A clean entity is a no-op: no statement expected.
	require.NoError(t, client.Save(ctx, u))

	require.NoError(t, u.Set("name", "bob"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `users` SET `name` = ? WHERE `id` = ?")).
		WithArgs("bob", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, client.Save(ctx, u))

	// The pending write folded into the loaded state; saving again is a
	// no-op.
	require.NoError(t, client.Save(ctx, u))
	name, err := u.Get("name")
	require.NoError(t, err)
	assert.Equal(t, "bob", name)
}

func TestSaveWithoutKey(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.`name` FROM `users`")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("alice"))
	users, err := client.Query("User").Select("name").All(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)

	require.NoError(t, users[0].Set("name", "bob"))
	err = client.Save(ctx, users[0])
	require.Error(t, err)
	assert.True(t, loom.IsBuildError(err))
}

func TestDeleteEntity(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` WHERE `users`.`id` = ? LIMIT 1")).
		WithArgs(1).
		WillReturnRows(userRows(t).AddRow(1, "alice", nil, ""))
	u, err := client.Find(ctx, "User", 1)
	require.NoError(t, err)
	require.True(t, client.Identity().Has("User:1"))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `users` WHERE `id` = ?")).
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, client.DeleteEntity(ctx, u))
	assert.False(t, client.Identity().Has("User:1"))
}

func TestTx(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()

	mock.ExpectBegin()
	tx, err := client.Tx(ctx)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` WHERE `users`.`id` = ? LIMIT 1")).
		WithArgs(1).
		WillReturnRows(userRows(t).AddRow(1, "alice", nil, ""))
	_, err = tx.Find(ctx, "User", 1)
	require.NoError(t, err)

	// The transactional session has its own identity cache.
	assert.True(t, tx.Identity().Has("User:1"))
	assert.False(t, client.Identity().Has("User:1"))

	// Transactions do not nest.
	_, err = tx.Tx(ctx)
	assert.ErrorIs(t, err, loom.ErrTxStarted)

	mock.ExpectCommit()
	require.NoError(t, tx.Commit())
}

func TestTxRollback(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectBegin()
	tx, err := client.Tx(context.Background())
	require.NoError(t, err)
	mock.ExpectRollback()
	require.NoError(t, tx.Rollback())
}

func TestQueryCache(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t, loom.WithCache(loom.NewMemoryCache()))
	ctx := context.Background()

	// One expectation for two executions: the second run is served from
	// the result cache, and the identity cache still returns the
	// canonical entity for the cached row.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users`")).
		WillReturnRows(userRows(t).AddRow(1, "alice", nil, ""))

	first, err := client.Query("User").CacheFor(time.Minute).All(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := client.Query("User").CacheFor(time.Minute).All(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Same(t, first[0], second[0])
}

func TestQueryCacheInvalidatedOnWrite(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t, loom.WithCache(loom.NewMemoryCache()))
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users`")).
		WillReturnRows(userRows(t).AddRow(1, "alice", nil, ""))
	_, err := client.Query("User").CacheFor(time.Minute).All(ctx)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `users` (`name`) VALUES (?)")).
		WithArgs("carol").
		WillReturnResult(sqlmock.NewResult(2, 1))
	_, err = client.Create(ctx, "User", map[string]any{"name": "carol"})
	require.NoError(t, err)

	// The write invalidated the model's cached results, so the query
	// hits the database again.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users`")).
		WillReturnRows(userRows(t).AddRow(1, "alice", nil, "").AddRow(2, "carol", nil, ""))
	users, err := client.Query("User").CacheFor(time.Minute).All(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestDebugOption(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t, loom.Debug())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users`")).
		WillReturnRows(userRows(t).AddRow(1, "alice", nil, ""))
	users, err := client.Query("User").All(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestEntityString(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` WHERE `users`.`id` = ? LIMIT 1")).
		WithArgs(1).
		WillReturnRows(userRows(t).AddRow(1, "alice", nil, ""))
	u, err := client.Find(context.Background(), "User", 1)
	require.NoError(t, err)
	assert.Contains(t, u.String(), "User")
	assert.Contains(t, u.String(), "alice")
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users`")).
		WillReturnError(errors.New("connection refused"))
	_, err := client.Query("User").All(context.Background())
	require.Error(t, err)
	assert.True(t, loom.IsConnectionError(err))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users`")).
		WillReturnError(errors.New("syntax error near FROM"))
	_, err = client.Query("User").All(context.Background())
	require.Error(t, err)
	assert.True(t, loom.IsExecutionError(err))
	assert.False(t, loom.IsConnectionError(err))
}
