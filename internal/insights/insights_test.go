package insights

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu    sync.Mutex
	data  map[string]map[string]Insight
	reads atomic.Int32
	block chan struct{}
	err   error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{data: map[string]map[string]Insight{}}
}

func (f *fakeRepo) ListInsights(_ context.Context, memberID string) ([]Insight, error) {
	f.reads.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Insight
	for _, in := range f.data[memberID] {
		out = append(out, in)
	}
	return out, nil
}

func (f *fakeRepo) UpsertInsight(_ context.Context, in Insight) (Insight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[in.MemberID] == nil {
		f.data[in.MemberID] = map[string]Insight{}
	}
	f.data[in.MemberID][in.Type] = in
	return in, nil
}

func (f *fakeRepo) DeleteInsight(_ context.Context, memberID, insightType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data[memberID], insightType)
	return nil
}

func TestService_ReadThroughCaches(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, 16, time.Minute)
	ctx := context.Background()

	_, err := svc.List(ctx, "m1")
	require.NoError(t, err)
	_, err = svc.List(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), repo.reads.Load())
}

func TestService_WriteInvalidatesBeforeReturn(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, 16, time.Minute)
	ctx := context.Background()

	list, err := svc.List(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = svc.Record(ctx, Insight{MemberID: "m1", Type: "role", Value: "founder", Confidence: 0.9})
	require.NoError(t, err)

	list, err = svc.List(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "founder", list[0].Value)
	assert.Equal(t, SourceManual, list[0].Source)

	require.NoError(t, svc.Delete(ctx, "m1", "role"))
	list, err = svc.List(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestService_RecordValidation(t *testing.T) {
	svc := NewService(newFakeRepo(), 16, time.Minute)
	_, err := svc.Record(context.Background(), Insight{MemberID: "m1"})
	assert.ErrorIs(t, err, ErrInvalidInsight)
	_, err = svc.Record(context.Background(), Insight{MemberID: "m1", Type: "x", Confidence: 1.5})
	assert.ErrorIs(t, err, ErrInvalidInsight)
}

func TestService_ConcurrentMissesShareLoad(t *testing.T) {
	repo := newFakeRepo()
	repo.block = make(chan struct{})
	svc := NewService(repo, 16, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.List(ctx, "m1")
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(repo.block)
	wg.Wait()
	assert.Equal(t, int32(1), repo.reads.Load())
}

func TestService_LoadErrorNotCached(t *testing.T) {
	repo := newFakeRepo()
	repo.err = errors.New("db down")
	svc := NewService(repo, 16, time.Minute)
	ctx := context.Background()

	_, err := svc.List(ctx, "m1")
	require.Error(t, err)

	repo.err = nil
	_, err = svc.List(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), repo.reads.Load())
}

func TestTypes(t *testing.T) {
	set := Types([]Insight{{Type: "role"}, {Type: "budget"}})
	assert.True(t, set["role"])
	assert.True(t, set["budget"])
	assert.False(t, set["team_size"])
}
