package commitsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"codeflow/api/internal/errclass"
	"codeflow/api/internal/identity"
	"codeflow/api/internal/localstore"
	"codeflow/api/internal/remote"
	"codeflow/api/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRemote is an in-memory remote.CommitStore with a server clock and
// failure injection.
type fakeRemote struct {
	mu      sync.Mutex
	commits map[string]map[string]store.Commit
	clock   time.Time

	existsCalls int
	writeCalls  int
	queryCalls  int

	// failWriteAt fails the Nth write (1-based) with writeErr.
	failWriteAt int
	writeErr    error
	queryErr    error
	queryGate   chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		commits: map[string]map[string]store.Commit{},
		clock:   time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fakeRemote) ExistsByIDAndUser(_ context.Context, id, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existsCalls++
	_, ok := f.commits[userID][id]
	return ok, nil
}

func (f *fakeRemote) WriteCommit(_ context.Context, commit store.Commit, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCalls++
	if f.failWriteAt > 0 && f.writeCalls == f.failWriteAt {
		return f.writeErr
	}
	if f.commits[userID] == nil {
		f.commits[userID] = map[string]store.Commit{}
	}
	if _, ok := f.commits[userID][commit.ID]; ok {
		return nil
	}
	f.clock = f.clock.Add(time.Second)
	commit.Timestamp = f.clock
	commit.SyncStatus = store.SyncSynced
	f.commits[userID][commit.ID] = commit
	return nil
}

func (f *fakeRemote) QueryAllByUser(_ context.Context, userID string) ([]store.Commit, error) {
	if f.queryGate != nil {
		<-f.queryGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	out := make([]store.Commit, 0, len(f.commits[userID]))
	for _, commit := range f.commits[userID] {
		out = append(out, commit)
	}
	localstore.SortCommits(out)
	return out, nil
}

func (f *fakeRemote) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commits[userID])
}

func newEngine(rs remote.CommitStore) *Engine {
	e := New(localstore.NewCommitLog(localstore.NewMemoryTier()), rs, zap.NewNop())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	var mu sync.Mutex
	e.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	return e
}

var avery = identity.Authenticated("user-a", "Avery")

func commitN(t *testing.T, e *Engine, who identity.Identity, n int) []store.Commit {
	t.Helper()
	out := make([]store.Commit, 0, n)
	for i := 0; i < n; i++ {
		c, err := e.Commit(who, store.CommitDraft{Message: fmt.Sprintf("change %d", i), Code: "x", Language: "Go"})
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func TestCommitRecordsLocalOnly(t *testing.T) {
	e := newEngine(newFakeRemote())
	c, err := e.Commit(avery, store.CommitDraft{Message: "  first  ", Code: "fmt.Println()", Language: "Go"})
	require.NoError(t, err)
	assert.Equal(t, "first", c.Message)
	assert.Equal(t, "Avery", c.Author)
	assert.Equal(t, store.SyncLocalOnly, c.SyncStatus)
	assert.Len(t, c.ID, 36)

	got, err := e.Checkout(avery, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Code, got.Code)

	_, err = e.Checkout(avery, "nope")
	assert.ErrorIs(t, err, ErrCommitNotFound)
}

func TestCommitRejectsEmptyMessageBeforeIO(t *testing.T) {
	e := newEngine(newFakeRemote())
	_, err := e.Commit(avery, store.CommitDraft{Message: "   ", Language: "Go"})
	var verr *store.ValidationError
	require.ErrorAs(t, err, &verr)

	commits, err := e.Log(avery)
	require.NoError(t, err)
	assert.Empty(t, commits)
}

func TestGuestCommitsStayLocal(t *testing.T) {
	rs := newFakeRemote()
	e := newEngine(rs)
	c, err := e.Commit(identity.Guest(), store.CommitDraft{Message: "guest work", Language: "Python"})
	require.NoError(t, err)
	assert.Equal(t, "Guest", c.Author)

	push := e.Push(context.Background(), identity.Guest(), nil)
	assert.Equal(t, StatusSkipped, push.Status)
	pull := e.Pull(context.Background(), identity.Guest())
	assert.Equal(t, StatusSkipped, pull.Status)
	assert.Empty(t, pull.Commits)
	assert.Zero(t, rs.existsCalls+rs.writeCalls+rs.queryCalls)

	own, err := e.Log(avery)
	require.NoError(t, err)
	assert.Empty(t, own)
}

func TestPushIsIdempotent(t *testing.T) {
	rs := newFakeRemote()
	e := newEngine(rs)
	commits := commitN(t, e, avery, 3)

	first := e.Push(context.Background(), avery, nil)
	require.True(t, first.OK(), first.Err)
	assert.Equal(t, StatusCompleted, first.Status)
	assert.Equal(t, 3, first.Written)
	assert.Equal(t, 3, first.Marked)

	again := e.Push(context.Background(), avery, nil)
	assert.Equal(t, StatusNothingToPush, again.Status)

	// A stale candidate slice only re-checks existence.
	stale := e.Push(context.Background(), avery, commits)
	assert.Equal(t, StatusCompleted, stale.Status)
	assert.Equal(t, 3, stale.AlreadyRemote)
	assert.Zero(t, stale.Written)
	assert.Equal(t, 3, rs.writeCalls)
	assert.Equal(t, 3, rs.count("user-a"))
}

func TestPushSkipsCommitAlreadyRemote(t *testing.T) {
	rs := newFakeRemote()
	e := newEngine(rs)
	ctx := context.Background()
	commits := commitN(t, e, avery, 2)
	a, b := commits[0], commits[1]

	// a reached the remote but was never marked locally.
	require.NoError(t, rs.WriteCommit(ctx, a, "user-a"))

	res := e.Push(ctx, avery, []store.Commit{a, b})
	require.True(t, res.OK(), res.Err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 1, res.AlreadyRemote)
	assert.Equal(t, 2, res.Marked)
	assert.Equal(t, 2, rs.count("user-a"))

	view, err := e.Log(avery)
	require.NoError(t, err)
	require.Len(t, view, 2)
	for _, c := range view {
		assert.True(t, c.IsSynced(), c.ID)
	}
}

func TestOfflineCommitSurvivesFailedSyncs(t *testing.T) {
	rs := newFakeRemote()
	e := newEngine(rs)
	ctx := context.Background()

	c, err := e.Commit(avery, store.CommitDraft{Message: "offline edit", Code: "x := 1", Language: "Go"})
	require.NoError(t, err)

	assertPending := func(step string) {
		t.Helper()
		view, err := e.Log(avery)
		require.NoError(t, err, step)
		require.Len(t, view, 1, step)
		assert.Equal(t, c.ID, view[0].ID, step)
		assert.Equal(t, store.SyncLocalOnly, view[0].SyncStatus, step)
	}

	rs.writeErr = fmt.Errorf("write: %w", syscall.ECONNREFUSED)
	for i := 0; i < 3; i++ {
		rs.failWriteAt = rs.writeCalls + 1
		res := e.Push(ctx, avery, nil)
		assert.Equal(t, StatusOffline, res.Status)
		assertPending(fmt.Sprintf("push %d", i))

		rs.queryErr = fmt.Errorf("query: %w", syscall.ECONNRESET)
		assert.Equal(t, StatusOffline, e.Pull(ctx, avery).Status)
		assertPending(fmt.Sprintf("offline pull %d", i))

		rs.queryErr = nil
		assert.Equal(t, StatusCompleted, e.Pull(ctx, avery).Status)
		assertPending(fmt.Sprintf("online pull %d", i))
	}

	rs.failWriteAt = 0
	res := e.Push(ctx, avery, nil)
	require.True(t, res.OK(), res.Err)
	assert.Equal(t, 1, res.Written)

	res = e.Pull(ctx, avery)
	require.True(t, res.OK(), res.Err)
	require.Len(t, res.Commits, 1)
	assert.Equal(t, c.ID, res.Commits[0].ID)
	assert.True(t, res.Commits[0].IsSynced())
}

func TestPushAbortsOnFirstErrorAndKeepsProgress(t *testing.T) {
	rs := newFakeRemote()
	rs.failWriteAt = 2
	rs.writeErr = fmt.Errorf("write: %w", syscall.ECONNREFUSED)
	e := newEngine(rs)
	commitN(t, e, avery, 3)

	res := e.Push(context.Background(), avery, nil)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, errclass.Connectivity, res.Reason)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 1, res.Marked)
	assert.Equal(t, 2, rs.writeCalls)

	pending, err := e.Pending(avery)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	rs.failWriteAt = 0
	res = e.Push(context.Background(), avery, nil)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 3, rs.count("user-a"))
}

func TestPushFailureClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Status
	}{
		{name: "offline", err: errclass.ErrUnavailable, want: StatusOffline},
		{name: "denied", err: errclass.ErrPermissionDenied, want: StatusOffline},
		{name: "unknown", err: errors.New("corrupt payload"), want: StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rs := newFakeRemote()
			rs.failWriteAt = 1
			rs.writeErr = tc.err
			e := newEngine(rs)
			commitN(t, e, avery, 2)

			res := e.Push(context.Background(), avery, nil)
			assert.Equal(t, tc.want, res.Status)
			assert.ErrorIs(t, res.Err, tc.err)
			assert.Zero(t, res.Marked)
		})
	}
}

func TestPushWithoutRemoteIsOffline(t *testing.T) {
	e := newEngine(remote.Disabled{})
	commitN(t, e, avery, 1)
	res := e.Push(context.Background(), avery, nil)
	assert.Equal(t, StatusOffline, res.Status)
	assert.ErrorIs(t, res.Err, errclass.ErrUnavailable)
}

func TestPushIDsSelectsCandidates(t *testing.T) {
	rs := newFakeRemote()
	e := newEngine(rs)
	commits := commitN(t, e, avery, 3)

	res := e.PushIDs(context.Background(), avery, []string{commits[0].ID, "ghost"})
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Written)

	pending, err := e.Pending(avery)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestPullUnionsRemoteAndLocalOnly(t *testing.T) {
	rs := newFakeRemote()
	e := newEngine(rs)
	commitN(t, e, avery, 2)
	require.Equal(t, StatusCompleted, e.Push(context.Background(), avery, nil).Status)
	local := commitN(t, e, avery, 1)

	res := e.Pull(context.Background(), avery)
	require.True(t, res.OK(), res.Err)
	require.Len(t, res.Commits, 3)

	ids := map[string]store.SyncStatus{}
	for _, c := range res.Commits {
		ids[c.ID] = c.SyncStatus
	}
	assert.Equal(t, store.SyncLocalOnly, ids[local[0].ID])

	view, err := e.Log(avery)
	require.NoError(t, err)
	assert.Equal(t, res.Commits, view)
	for i := 1; i < len(view); i++ {
		assert.False(t, view[i].Timestamp.After(view[i-1].Timestamp))
	}
}

func TestPullFailureLeavesLocalUntouched(t *testing.T) {
	rs := newFakeRemote()
	rs.queryErr = fmt.Errorf("query: %w", syscall.ECONNRESET)
	e := newEngine(rs)
	commits := commitN(t, e, avery, 2)

	res := e.Pull(context.Background(), avery)
	assert.Equal(t, StatusOffline, res.Status)
	require.Len(t, res.Commits, 2)

	view, err := e.Log(avery)
	require.NoError(t, err)
	assert.Len(t, view, len(commits))
}

func TestPullReportsLocalReadFailure(t *testing.T) {
	for name, rs := range map[string]remote.CommitStore{
		"disabled": remote.Disabled{},
		"unreachable": &fakeRemote{
			commits:  map[string]map[string]store.Commit{},
			queryErr: fmt.Errorf("query: %w", syscall.ECONNRESET),
		},
	} {
		t.Run(name, func(t *testing.T) {
			tier := localstore.NewMemoryTier()
			e := New(localstore.NewCommitLog(tier), rs, zap.NewNop())
			require.NoError(t, tier.Close())

			res := e.Pull(context.Background(), avery)
			assert.Equal(t, StatusOffline, res.Status)
			assert.ErrorIs(t, res.Err, localstore.ErrClosed)
			assert.Equal(t, errclass.Connectivity, res.Reason)
			assert.Empty(t, res.Commits)
		})
	}
}

func TestTwoDevicesConverge(t *testing.T) {
	rs := newFakeRemote()
	deviceA := newEngine(rs)
	deviceB := newEngine(rs)
	ctx := context.Background()

	a1 := commitN(t, deviceA, avery, 1)[0]
	require.Equal(t, StatusCompleted, deviceA.Push(ctx, avery, nil).Status)

	b1 := commitN(t, deviceB, avery, 1)[0]
	pullB := deviceB.Pull(ctx, avery)
	require.True(t, pullB.OK())
	assert.Len(t, pullB.Commits, 2)
	require.Equal(t, StatusCompleted, deviceB.Push(ctx, avery, nil).Status)

	pullA := deviceA.Pull(ctx, avery)
	require.True(t, pullA.OK())
	pullB = deviceB.Pull(ctx, avery)
	require.True(t, pullB.OK())

	assert.Equal(t, pullA.Commits, pullB.Commits)
	ids := []string{pullA.Commits[0].ID, pullA.Commits[1].ID}
	assert.ElementsMatch(t, []string{a1.ID, b1.ID}, ids)
	for _, c := range pullA.Commits {
		assert.True(t, c.IsSynced())
	}
}

func TestConcurrentPullsShareRemoteRead(t *testing.T) {
	rs := newFakeRemote()
	rs.queryGate = make(chan struct{})
	e := newEngine(rs)
	commitN(t, e, avery, 1)

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Pull(context.Background(), avery)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(rs.queryGate)
	wg.Wait()

	for _, res := range results {
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Len(t, res.Commits, 1)
	}
	assert.LessOrEqual(t, rs.queryCalls, len(results))
	assert.GreaterOrEqual(t, rs.queryCalls, 1)
}

func TestMerge(t *testing.T) {
	at := func(m int) time.Time { return time.Date(2026, 2, 1, 0, m, 0, 0, time.UTC) }
	remoteCommits := []store.Commit{
		{ID: "r1", Timestamp: at(5)},
		{ID: "shared", Timestamp: at(3)},
	}
	local := []store.Commit{
		{ID: "l1", Timestamp: at(5), SyncStatus: store.SyncLocalOnly},
		{ID: "shared", Timestamp: at(1), SyncStatus: store.SyncLocalOnly},
		{ID: "gone", Timestamp: at(2), SyncStatus: store.SyncSynced},
	}

	merged := Merge(remoteCommits, local)
	require.Len(t, merged, 3)
	assert.Equal(t, []string{"l1", "r1", "shared"}, []string{merged[0].ID, merged[1].ID, merged[2].ID})
	assert.Equal(t, store.SyncSynced, merged[1].SyncStatus)
	assert.Equal(t, store.SyncSynced, merged[2].SyncStatus)
	assert.Equal(t, at(3), merged[2].Timestamp)
	assert.Equal(t, store.SyncLocalOnly, merged[0].SyncStatus)
}

func TestResultMessage(t *testing.T) {
	assert.Equal(t, "Nothing to push", Result{Op: opPush, Status: StatusNothingToPush}.Message())
	assert.Equal(t, "Pulled latest commits", Result{Op: opPull, Status: StatusCompleted}.Message())
}
