package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"

	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewStore(client, Config{
		LockTTL:      time.Second,
		Retention:    time.Hour,
		WaitTimeout:  200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}, nil), mr
}

func TestExecuteFirstCallRuns(t *testing.T) {
	store, _ := newTestStore(t)

	calls := 0
	result, cached, err := store.Execute(context.Background(), "start:order:o-1", func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte(`{"sagaId":"s-1"}`), nil
	}, false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if cached {
		t.Fatal("expected first call not cached")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if string(result) != `{"sagaId":"s-1"}` {
		t.Fatalf("unexpected result %s", result)
	}
}

func TestExecuteSecondCallReturnsCached(t *testing.T) {
	store, _ := newTestStore(t)

	calls := 0
	op := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte(`{"sagaId":"s-1"}`), nil
	}

	if _, _, err := store.Execute(context.Background(), "start:order:o-1", op, false); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	result, cached, err := store.Execute(context.Background(), "start:order:o-1", op, false)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !cached {
		t.Fatal("expected cached result")
	}
	if calls != 1 {
		t.Fatalf("expected operation run once, got %d", calls)
	}
	if string(result) != `{"sagaId":"s-1"}` {
		t.Fatalf("unexpected result %s", result)
	}
}

func TestExecuteFailureReleasesClaim(t *testing.T) {
	store, _ := newTestStore(t)

	boom := errors.New("downstream unavailable")
	_, _, err := store.Execute(context.Background(), "start:order:o-1", func(ctx context.Context) ([]byte, error) {
		return nil, boom
	}, false)
	if err != boom {
		t.Fatalf("expected operation error surfaced, got %v", err)
	}

	// 失败不缓存，下一次调用重新执行
	result, cached, err := store.Execute(context.Background(), "start:order:o-1", func(ctx context.Context) ([]byte, error) {
		return []byte("ok"), nil
	}, false)
	if err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	if cached {
		t.Fatal("expected fresh execution after failure")
	}
	if string(result) != "ok" {
		t.Fatalf("unexpected result %s", result)
	}
}

func TestExecuteInProgressNoWait(t *testing.T) {
	store, mr := newTestStore(t)

	claim, _ := json.Marshal(record{Status: statusInProgress, CreatedAtMs: time.Now().UnixMilli()})
	mr.Set("saga:idem:start:order:o-1", string(claim))

	_, _, err := store.Execute(context.Background(), "start:order:o-1", func(ctx context.Context) ([]byte, error) {
		t.Fatal("operation must not run while another is in progress")
		return nil, nil
	}, false)
	if sagaerrors.CodeOf(err) != sagaerrors.CodeDuplicateInProgress {
		t.Fatalf("expected DUPLICATE_IN_PROGRESS, got %v", err)
	}
}

func TestExecuteWaitPicksUpResult(t *testing.T) {
	store, mr := newTestStore(t)

	claim, _ := json.Marshal(record{Status: statusInProgress, CreatedAtMs: time.Now().UnixMilli()})
	mr.Set("saga:idem:start:order:o-1", string(claim))

	go func() {
		time.Sleep(30 * time.Millisecond)
		done, _ := json.Marshal(record{Status: statusCompleted, Result: []byte(`"s-1"`), CreatedAtMs: time.Now().UnixMilli()})
		mr.Set("saga:idem:start:order:o-1", string(done))
	}()

	result, cached, err := store.Execute(context.Background(), "start:order:o-1", func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("must not run")
	}, true)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !cached {
		t.Fatal("expected cached result after wait")
	}
	if string(result) != `"s-1"` {
		t.Fatalf("unexpected result %s", result)
	}
}

func TestExecuteWaitTimesOut(t *testing.T) {
	store, mr := newTestStore(t)

	claim, _ := json.Marshal(record{Status: statusInProgress, CreatedAtMs: time.Now().UnixMilli()})
	mr.Set("saga:idem:start:order:o-1", string(claim))

	_, _, err := store.Execute(context.Background(), "start:order:o-1", func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("must not run")
	}, true)
	if sagaerrors.CodeOf(err) != sagaerrors.CodeDuplicateInProgress {
		t.Fatalf("expected DUPLICATE_IN_PROGRESS after wait timeout, got %v", err)
	}
}

func TestExecuteConcurrentSameKeyRunsOnce(t *testing.T) {
	store, _ := newTestStore(t)

	var mu sync.Mutex
	calls := 0
	op := func(ctx context.Context) ([]byte, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return []byte("done"), nil
	}

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := store.Execute(context.Background(), "start:order:o-1", op, true)
			results[i] = err
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected operation run once across concurrent callers, got %d", calls)
	}
	for i, err := range results {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
}

func TestExecuteClaimRedisUnavailable(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewStore(db, Config{LockTTL: time.Second, Retention: time.Hour}, nil)

	mock.Regexp().ExpectSetNX("saga:idem:start:order:o-1", `.*IN_PROGRESS.*`, time.Second).
		SetErr(errors.New("connection refused"))

	_, _, err := store.Execute(context.Background(), "start:order:o-1", func(ctx context.Context) ([]byte, error) {
		t.Fatal("operation must not run when claim fails")
		return nil, nil
	}, false)
	if err == nil {
		t.Fatal("expected claim failure surfaced")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestExecuteResolveRedisUnavailable(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewStore(db, Config{LockTTL: time.Second, Retention: time.Hour}, nil)

	mock.Regexp().ExpectSetNX("saga:idem:start:order:o-1", `.*IN_PROGRESS.*`, time.Second).
		SetVal(false)
	mock.ExpectGet("saga:idem:start:order:o-1").
		SetErr(errors.New("connection refused"))

	_, _, err := store.Execute(context.Background(), "start:order:o-1", func(ctx context.Context) ([]byte, error) {
		return nil, nil
	}, false)
	if err == nil {
		t.Fatal("expected lookup failure surfaced")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestExecuteEmptyKeyRejected(t *testing.T) {
	store, _ := newTestStore(t)

	_, _, err := store.Execute(context.Background(), "", func(ctx context.Context) ([]byte, error) {
		return nil, nil
	}, false)
	if sagaerrors.CodeOf(err) != sagaerrors.CodeDuplicateRequest {
		t.Fatalf("expected DUPLICATE_REQUEST code, got %v", err)
	}
}

func TestExecuteNonJSONResultCached(t *testing.T) {
	store, mr := newTestStore(t)

	calls := 0
	op := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("done"), nil
	}

	result, cached, err := store.Execute(context.Background(), "start:order:o-1", op, false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if cached || string(result) != "done" {
		t.Fatalf("unexpected first result cached=%v %s", cached, result)
	}

	// 占位必须已经被完成记录替换，而不是留在 IN_PROGRESS
	raw, err := mr.Get("saga:idem:start:order:o-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.Status != statusCompleted {
		t.Fatalf("expected COMPLETED record, got %s", rec.Status)
	}

	result, cached, err = store.Execute(context.Background(), "start:order:o-1", op, false)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !cached || string(result) != "done" {
		t.Fatalf("expected cached replay, cached=%v %s", cached, result)
	}
	if calls != 1 {
		t.Fatalf("expected operation run once, got %d", calls)
	}
}
