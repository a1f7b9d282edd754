package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sozercan/finsight/apimodels"
	"github.com/sozercan/finsight/internal/document"
	"github.com/sozercan/finsight/internal/pipeline"
)

var mid = []string{"swot", "strategy", "profile", "summary", "keyAnalysis"}

func TestStoreCreateGet(t *testing.T) {
	store := NewStore(time.Minute, nil)
	sess := store.Create("q3.pdf", "INF", mid)

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)
	assert.Equal(t, "INF", got.Inferences)

	_, err = store.Get("not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get("7b0f3f4e-2f57-4c1e-9a43-6a4a2a0d3a11")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAwait(t *testing.T) {
	store := NewStore(time.Minute, nil)
	sess := store.Create("", "INF", mid)

	go func() {
		sess.Resolve("swot", "S", nil)
		sess.Resolve("profile", "P", nil)
		sess.Resolve("strategy", "ST", nil)
	}()

	got, err := sess.Await(t.Context(), time.Second, "swot", "strategy", "profile")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"swot": "S", "strategy": "ST", "profile": "P"}, got)
}

func TestAwaitFailedDependency(t *testing.T) {
	sess := NewStore(time.Minute, nil).Create("", "INF", mid)
	sess.Resolve("strategy", "", errors.New("quota"))

	// swot and profile never settle; the failure is reported without waiting
	start := time.Now()
	_, err := sess.Await(t.Context(), 5*time.Second, "swot", "strategy", "profile")
	assert.ErrorIs(t, err, ErrDependency)
	var se *pipeline.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "strategy", se.Stage)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAwaitTimeout(t *testing.T) {
	sess := NewStore(time.Minute, nil).Create("", "INF", mid)
	sess.Resolve("swot", "S", nil)

	_, err := sess.Await(t.Context(), 30*time.Millisecond, "swot", "strategy")
	assert.ErrorIs(t, err, ErrDependency)
	assert.ErrorIs(t, err, pipeline.ErrTimeout)
}

func TestAwaitCallerGone(t *testing.T) {
	sess := NewStore(time.Minute, nil).Create("", "INF", mid)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := sess.Await(ctx, time.Second, "swot")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrDependency)
}

func TestAwaitUnknownStage(t *testing.T) {
	sess := NewStore(time.Minute, nil).Create("", "INF", mid)
	_, err := sess.Await(t.Context(), time.Second, "nope")
	assert.ErrorIs(t, err, ErrDependency)
}

func TestResolveOnce(t *testing.T) {
	sess := NewStore(time.Minute, nil).Create("", "INF", mid)
	assert.True(t, sess.Resolve("swot", "first", nil))
	assert.False(t, sess.Resolve("swot", "second", nil))
	assert.False(t, sess.Resolve("unknown", "x", nil))

	text, err, ok := sess.Result("swot")
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, "first", text)
}

func TestClaimSharesRunningAttempt(t *testing.T) {
	sess := NewStore(time.Minute, nil).Create("", "INF", mid)

	_, _, owner, err := sess.Claim("swot")
	require.NoError(t, err)
	require.True(t, owner)

	f, ready, owner, err := sess.Claim("swot")
	require.NoError(t, err)
	assert.False(t, owner)
	select {
	case <-ready:
		t.Fatal("ready before the running attempt ended")
	default:
	}

	sess.Resolve("swot", "S", nil)
	<-ready
	text, err, ok := f.Result()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, "S", text)

	// a settled success is reused, never run again
	_, ready, owner, err = sess.Claim("swot")
	require.NoError(t, err)
	assert.False(t, owner)
	<-ready

	_, _, _, err = sess.Claim("nope")
	assert.ErrorIs(t, err, ErrDependency)
}

func TestClaimRetriesFailure(t *testing.T) {
	sess := NewStore(time.Minute, nil).Create("", "INF", mid)

	failed, _, _, err := sess.Claim("strategy")
	require.NoError(t, err)
	sess.Resolve("strategy", "", errors.New("transient"))

	retry, _, owner, err := sess.Claim("strategy")
	require.NoError(t, err)
	require.True(t, owner)
	assert.NotSame(t, failed, retry)

	_, _, pending := sess.Result("strategy")
	assert.False(t, pending)

	assert.True(t, sess.Resolve("strategy", "ST", nil))
	text, err, ok := sess.Result("strategy")
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, "ST", text)

	// holders of the failed attempt keep its outcome
	_, err, _ = failed.Result()
	assert.EqualError(t, err, "transient")
}

func TestAbandonReleasesWaiters(t *testing.T) {
	sess := NewStore(time.Minute, nil).Create("", "INF", mid)

	_, _, owner, err := sess.Claim("profile")
	require.NoError(t, err)
	require.True(t, owner)
	f, ready, _, err := sess.Claim("profile")
	require.NoError(t, err)

	sess.Abandon("profile")
	<-ready
	_, _, settled := f.Result()
	assert.False(t, settled)

	_, _, owner, err = sess.Claim("profile")
	require.NoError(t, err)
	assert.True(t, owner)
}

func TestSnapshot(t *testing.T) {
	sess := NewStore(time.Minute, nil).Create("q3.pdf", "INF", mid)
	sess.Resolve("swot", "S", nil)
	sess.Resolve("strategy", "", errors.New("boom"))

	snap := sess.Snapshot()
	assert.Equal(t, sess.ID, snap.ID)
	assert.Equal(t, "q3.pdf", snap.Document)
	assert.Equal(t, "INF", snap.Inferences)
	assert.Equal(t, apimodels.StageSnapshot{Status: apimodels.StageDone, Result: "S"}, snap.Stages["swot"])
	assert.Equal(t, apimodels.StageSnapshot{Status: apimodels.StageFailed, Error: "boom"}, snap.Stages["strategy"])
	assert.Equal(t, apimodels.StagePending, snap.Stages["keyAnalysis"].Status)
	assert.Len(t, snap.Stages, len(mid))
}

func TestExpire(t *testing.T) {
	now := time.Now()
	store := NewStore(time.Minute, nil)
	store.now = func() time.Time { return now }

	idle := store.Create("", "a", mid)
	active := store.Create("", "b", mid)

	now = now.Add(45 * time.Second)
	_, err := store.Get(active.ID)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, store.Expire())
	assert.Equal(t, 1, store.Len())

	_, err = store.Get(idle.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(active.ID)
	assert.NoError(t, err)
}

type sweepRecorder struct {
	mu     sync.Mutex
	maxAge []time.Duration
}

func (r *sweepRecorder) Save(context.Context, string, string, io.Reader) (*document.Document, error) {
	return nil, errors.New("unused")
}

func (r *sweepRecorder) Load(context.Context, *document.Document) ([]byte, error) {
	return nil, errors.New("unused")
}

func (r *sweepRecorder) Delete(context.Context, *document.Document) error { return nil }

func (r *sweepRecorder) Sweep(_ context.Context, maxAge time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxAge = append(r.maxAge, maxAge)
	return 0, nil
}

func (r *sweepRecorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.maxAge)
}

func TestJanitorSweepsUploads(t *testing.T) {
	docs := &sweepRecorder{}
	store := NewStore(time.Minute, docs)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		store.Start(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return docs.calls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	docs.mu.Lock()
	assert.Equal(t, time.Minute, docs.maxAge[0])
	docs.mu.Unlock()
}
