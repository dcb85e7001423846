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

func postRows(t *testing.T) *sqlmock.Rows {
	t.Helper()
	return sqlmock.NewRows([]string{"id", "user_id", "title"})
}

// findUser seeds one user into the session through a real fetch.
func findUser(t *testing.T, client *loom.Client, mock sqlmock.Sqlmock, id int, name string) *loom.Entity {
	t.Helper()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` WHERE `users`.`id` = ? LIMIT 1")).
		WithArgs(id).
		WillReturnRows(userRows(t).AddRow(id, name, nil, ""))
	u, err := client.Find(context.Background(), "User", id)
	require.NoError(t, err)
	return u
}

func findPost(t *testing.T, client *loom.Client, mock sqlmock.Sqlmock, id int, userID any) *loom.Entity {
	t.Helper()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `posts`.* FROM `posts` WHERE `posts`.`id` = ? LIMIT 1")).
		WithArgs(id).
		WillReturnRows(postRows(t).AddRow(id, userID, "title"))
	p, err := client.Find(context.Background(), "Post", id)
	require.NoError(t, err)
	return p
}

func TestLazyHasMany(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()
	u := findUser(t, client, mock, 1, "alice")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `posts`.* FROM `posts` WHERE `posts`.`user_id` = ? ORDER BY `posts`.`id`")).
		WithArgs(1).
		WillReturnRows(postRows(t).AddRow(11, 1, "first").AddRow(12, 1, "second"))

	got, err := client.Load(ctx, u, "posts")
	require.NoError(t, err)
	posts := got.([]*loom.Entity)
	require.Len(t, posts, 2)

	// Second load is served from the relation slot; no query.
	again, err := client.Load(ctx, u, "posts")
	require.NoError(t, err)
	assert.Equal(t, posts, again)

	// The slot is readable off the entity directly.
	slot, err := u.Relation("posts")
	require.NoError(t, err)
	assert.Len(t, slot, 2)
}

func TestLazyBelongsTo(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()
	p := findPost(t, client, mock, 5, 10)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` WHERE `users`.`id` = ? LIMIT 1")).
		WithArgs(10).
		WillReturnRows(userRows(t).AddRow(10, "alice", nil, ""))

	got, err := client.Load(ctx, p, "author")
	require.NoError(t, err)
	author := got.(*loom.Entity)
	name, err := author.Get("name")
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
}

func TestBelongsToIdentityShortcut(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()

	// The author is already in the identity cache, so resolving the
	// relation issues no query and returns the canonical instance.
	u := findUser(t, client, mock, 10, "alice")
	p := findPost(t, client, mock, 5, 10)

	got, err := client.Load(ctx, p, "author")
	require.NoError(t, err)
	assert.Same(t, u, got.(*loom.Entity))
}

func TestBelongsToNullKey(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()
	p := findPost(t, client, mock, 5, nil)

	// A NULL foreign key resolves to nil without touching the database,
	// and the nil result is cached.
	got, err := client.Load(ctx, p, "author")
	require.NoError(t, err)
	assert.Nil(t, got)

	slot, err := p.Relation("author")
	require.NoError(t, err)
	assert.Nil(t, slot)
}

func TestLazyHasManyNullKey(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()
	// The seeded user has a NULL country_id, so the relation can never
	// match: it resolves to the empty sentinel without touching the
	// database, and the sentinel is cached.
	u := findUser(t, client, mock, 1, "alice")

	got, err := client.Load(ctx, u, "compatriots")
	require.NoError(t, err)
	assert.Equal(t, []*loom.Entity{}, got)

	slot, err := u.Relation("compatriots")
	require.NoError(t, err)
	assert.Empty(t, slot)
}

func TestLazyHasOne(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()
	u := findUser(t, client, mock, 1, "alice")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `profiles`.* FROM `profiles` WHERE `profiles`.`user_id` = ? LIMIT 1")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "bio"}).AddRow(7, 1, "gopher"))

	got, err := client.Load(ctx, u, "profile")
	require.NoError(t, err)
	bio, err := got.(*loom.Entity).Get("bio")
	require.NoError(t, err)
	assert.Equal(t, "gopher", bio)
}

func TestNotLoadedRelation(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	u := findUser(t, client, mock, 1, "alice")

	_, err := u.Relation("posts")
	require.Error(t, err)
	assert.True(t, loom.IsNotLoaded(err))
}

func TestEagerHasMany(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users`")).
		WillReturnRows(userRows(t).
			AddRow(1, "alice", nil, "").
			AddRow(2, "bob", nil, "").
			AddRow(3, "carol", nil, ""))
	// One batched query for the whole result set. Rows come back
	// interleaved; assignment is by key, never by position.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `posts`.* FROM `posts` WHERE `posts`.`user_id` IN (?, ?, ?) ORDER BY `posts`.`id`")).
		WithArgs(1, 2, 3).
		WillReturnRows(postRows(t).
			AddRow(21, 2, "b1").
			AddRow(11, 1, "a1").
			AddRow(12, 1, "a2"))

	users, err := client.Query("User").With("posts").All(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 3)

	p1, err := users[0].Relation("posts")
	require.NoError(t, err)
	require.Len(t, p1, 2)
	title, _ := p1.([]*loom.Entity)[0].Get("title")
	assert.Equal(t, "a1", title)

	p2, err := users[1].Relation("posts")
	require.NoError(t, err)
	assert.Len(t, p2, 1)

	// A matchless entity gets the empty sentinel, not a missing slot.
	p3, err := users[2].Relation("posts")
	require.NoError(t, err)
	assert.NotNil(t, p3)
	assert.Empty(t, p3)
}

func TestEagerBelongsTo(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `posts`.* FROM `posts`")).
		WillReturnRows(postRows(t).
			AddRow(1, 10, "p1").
			AddRow(2, 20, "p2").
			AddRow(3, nil, "p3"))
	// The NULL-key post is excluded from the key set.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` WHERE `users`.`id` IN (?, ?)")).
		WithArgs(10, 20).
		WillReturnRows(userRows(t).AddRow(10, "alice", nil, ""))

	posts, err := client.Query("Post").With("author").All(context.Background())
	require.NoError(t, err)
	require.Len(t, posts, 3)

	a1, err := posts[0].Relation("author")
	require.NoError(t, err)
	name, _ := a1.(*loom.Entity).Get("name")
	assert.Equal(t, "alice", name)

	// A referenced row that no longer exists resolves to nil.
	a2, err := posts[1].Relation("author")
	require.NoError(t, err)
	assert.Nil(t, a2)

	a3, err := posts[2].Relation("author")
	require.NoError(t, err)
	assert.Nil(t, a3)
}

func TestEagerBelongsToMany(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users`")).
		WillReturnRows(userRows(t).AddRow(1, "alice", nil, "").AddRow(2, "bob", nil, ""))
	// The link-side key rides along under a synthetic alias so joined
	// rows can be partitioned back to their source entity.
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT `groups`.*, `groups_users`.`user_id` AS `__local_linking_key` "+
			"FROM `groups` JOIN `groups_users` ON `groups_users`.`group_id` = `groups`.`id` "+
			"WHERE `groups_users`.`user_id` IN (?, ?)")).
		WithArgs(1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "__local_linking_key"}).
			AddRow(100, "gophers", 1).
			AddRow(101, "writers", 1).
			AddRow(100, "gophers", 2))

	users, err := client.Query("User").With("groups").All(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)

	g1, err := users[0].Relation("groups")
	require.NoError(t, err)
	require.Len(t, g1, 2)
	g2, err := users[1].Relation("groups")
	require.NoError(t, err)
	require.Len(t, g2, 1)

	// The shared group hydrates once; both lists hold the canonical
	// instance.
	assert.Same(t, g1.([]*loom.Entity)[0], g2.([]*loom.Entity)[0])

	// The synthetic column never reaches entity state.
	assert.NotContains(t, g1.([]*loom.Entity)[0].AsMap(), "__local_linking_key")
}

func TestEagerHasManyThrough(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `countries`.* FROM `countries`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "NL").AddRow(2, "PT"))
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT `posts`.*, `users`.`country_id` AS `__local_linking_key` "+
			"FROM `posts` JOIN `users` ON `posts`.`user_id` = `users`.`id` "+
			"WHERE `users`.`country_id` IN (?, ?)")).
		WithArgs(1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "__local_linking_key"}).
			AddRow(11, 100, "t1", 1).
			AddRow(12, 101, "t2", 1))

	countries, err := client.Query("Country").With("posts").All(context.Background())
	require.NoError(t, err)
	require.Len(t, countries, 2)

	p1, err := countries[0].Relation("posts")
	require.NoError(t, err)
	assert.Len(t, p1, 2)
	p2, err := countries[1].Relation("posts")
	require.NoError(t, err)
	assert.Empty(t, p2)
}

func TestPolymorphicEagerLoad(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `vehicles`.* FROM `vehicles`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "name", "user_id"}).
			AddRow(1, "car", "roadster", 10).
			AddRow(2, "bike", "bmx", 10).
			AddRow(3, "car", "coupe", nil))
	// "owner" is declared on the base model: one pass over the mixed
	// batch. The duplicate key collapses; the NULL-key vehicle is
	// settled during key collection.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `users`.* FROM `users` WHERE `users`.`id` = ?")).
		WithArgs(10).
		WillReturnRows(userRows(t).AddRow(10, "alice", nil, ""))
	// "wheels" exists only on Car: one pass over the Car group.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `wheels`.* FROM `wheels` WHERE `wheels`.`vehicle_id` IN (?, ?)")).
		WithArgs(1, 3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "vehicle_id", "position"}).
			AddRow(501, 1, "front-left").
			AddRow(502, 1, "front-right"))

	vehicles, err := client.Query("Vehicle").With("owner", "wheels").All(context.Background())
	require.NoError(t, err)
	require.Len(t, vehicles, 3)

	o1, err := vehicles[0].Relation("owner")
	require.NoError(t, err)
	o2, err := vehicles[1].Relation("owner")
	require.NoError(t, err)
	assert.Same(t, o1.(*loom.Entity), o2.(*loom.Entity))
	o3, err := vehicles[2].Relation("owner")
	require.NoError(t, err)
	assert.Nil(t, o3)

	w1, err := vehicles[0].Relation("wheels")
	require.NoError(t, err)
	assert.Len(t, w1, 2)
	w3, err := vehicles[2].Relation("wheels")
	require.NoError(t, err)
	assert.Empty(t, w3)

	// The bike declares no wheels; its slot stays unloaded.
	_, err = vehicles[1].Relation("wheels")
	assert.True(t, loom.IsNotLoaded(err))
}

func TestEagerUndefinedRelation(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `vehicles`.* FROM `vehicles`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "name", "user_id"}).
			AddRow(1, "car", "roadster", nil))

	_, err := client.Query("Vehicle").With("ghost").All(context.Background())
	require.Error(t, err)
	assert.True(t, loom.IsRelationError(err))
}

func TestEagerSkipsLoadedSlots(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()
	u := findUser(t, client, mock, 1, "alice")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `posts`.* FROM `posts` WHERE `posts`.`user_id` = ? ORDER BY `posts`.`id`")).
		WithArgs(1).
		WillReturnRows(postRows(t).AddRow(11, 1, "first"))
	_, err := client.Load(ctx, u, "posts")
	require.NoError(t, err)

	// The whole batch is already populated: eager loading issues no
	// further query.
	require.NoError(t, client.EagerLoad(ctx, "User", []*loom.Entity{u}, "posts"))
}

func TestRelationQuery(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	u := findUser(t, client, mock, 1, "alice")

	rel, err := client.Relation("User", "posts")
	require.NoError(t, err)
	sel, err := rel.Query(u)
	require.NoError(t, err)
	query, args := sel.Query()
	assert.Equal(t, "SELECT `posts`.* FROM `posts` WHERE `posts`.`user_id` = ? ORDER BY `posts`.`id`", query)
	assert.Len(t, args, 1)
}

func TestUndefinedRelation(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)

	_, err := client.Relation("User", "ghost")
	require.Error(t, err)
	assert.True(t, loom.IsRelationError(err))
}

func TestAssociateBelongsTo(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()
	u := findUser(t, client, mock, 10, "alice")
	p := findPost(t, client, mock, 5, nil)

	require.NoError(t, client.Associate(p, "author", u))

	// The foreign key is a pending write; the slot is filled.
	fk, err := p.Get("user_id")
	require.NoError(t, err)
	assert.EqualValues(t, 10, fk)
	slot, err := p.Relation("author")
	require.NoError(t, err)
	assert.Same(t, u, slot.(*loom.Entity))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE `posts` SET `user_id` = ? WHERE `id` = ?")).
		WithArgs(10, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, client.Save(ctx, p))
}

func TestAssociateHasOne(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	u := findUser(t, client, mock, 1, "alice")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `profiles`.* FROM `profiles` WHERE `profiles`.`id` = ? LIMIT 1")).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "bio"}).AddRow(7, 99, "gopher"))
	profile, err := client.Find(context.Background(), "Profile", 7)
	require.NoError(t, err)

	// HasOne assignment writes the owner's key into the target.
	require.NoError(t, client.Associate(u, "profile", profile))
	fk, err := profile.Get("user_id")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fk)
}

func TestAssociateImmutable(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	u := findUser(t, client, mock, 1, "alice")
	p := findPost(t, client, mock, 5, nil)

	err := client.Associate(u, "posts", p)
	require.Error(t, err)
	assert.ErrorIs(t, err, loom.ErrImmutableRelation)
	assert.True(t, loom.IsRelationError(err))

	err = client.Associate(u, "groups", p)
	assert.ErrorIs(t, err, loom.ErrImmutableRelation)
}

func TestAssociateWrongModel(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	p := findPost(t, client, mock, 5, nil)
	other := findPost(t, client, mock, 6, nil)

	err := client.Associate(p, "author", other)
	require.Error(t, err)
	assert.True(t, loom.IsRelationError(err))
}

// staticRelation is a Relation stub resolving to a fixed value, standing
// in for computed relations that run outside the schema conventions.
type staticRelation struct {
	name  string
	value any
}

func (r *staticRelation) Name() string { return r.name }

func (r *staticRelation) Fetch(context.Context, *loom.Entity) (any, error) { return r.value, nil }

func (r *staticRelation) Query(*loom.Entity) (*sql.Selector, error) { return nil, nil }

func (r *staticRelation) RawQuery() (*sql.Selector, error) { return nil, nil }

func (r *staticRelation) EagerLoad(context.Context, []*loom.Entity) error { return nil }

func TestCustomRelation(t *testing.T) {
	t.Parallel()
	client, mock := newTestClient(t)
	ctx := context.Background()
	u := findUser(t, client, mock, 1, "alice")

	// A custom relation with no registered implementation is an error.
	_, err := client.Load(ctx, u, "badge")
	require.Error(t, err)
	assert.True(t, loom.IsRelationError(err))

	client.RegisterRelation("User", "badge", &staticRelation{name: "badge", value: "gold"})
	got, err := client.Load(ctx, u, "badge")
	require.NoError(t, err)
	assert.Equal(t, "gold", got)
}
