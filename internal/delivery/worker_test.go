package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/geofencehq/pipeline/internal/model"
)

type fakeAdapter struct {
	mu        sync.Mutex
	responses []func() (Result, error)
	call      int
}

func (f *fakeAdapter) Execute(_ context.Context, _ Job) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.responses[f.call]
	if f.call < len(f.responses)-1 {
		f.call++
	}
	return r()
}

type fakeDeliveryStore struct {
	mu        sync.Mutex
	deliveries map[string]model.Delivery
	enrich     Job
}

func newFakeDeliveryStore(d model.Delivery, job Job) *fakeDeliveryStore {
	return &fakeDeliveryStore{
		deliveries: map[string]model.Delivery{d.ID: d},
		enrich:     job,
	}
}

func (f *fakeDeliveryStore) ReadyDeliveries(_ context.Context, limit int) ([]model.Delivery, error) {
	return nil, nil
}

func (f *fakeDeliveryStore) ClaimInFlight(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[id]
	if !ok || d.Status != model.DeliveryPending {
		return false, nil
	}
	d.Status = model.DeliveryInFlight
	f.deliveries[id] = d
	return true, nil
}

func (f *fakeDeliveryStore) LoadEnrichment(_ context.Context, d model.Delivery) (Job, error) {
	job := f.enrich
	job.Delivery = d
	return job, nil
}

func (f *fakeDeliveryStore) MarkSuccess(_ context.Context, id string, snapshot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.deliveries[id]
	d.Status = model.DeliverySuccess
	d.ResponseSnapshot = snapshot
	f.deliveries[id] = d
	return nil
}

func (f *fakeDeliveryStore) Reschedule(_ context.Context, id string, attempt int, _ time.Time, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.deliveries[id]
	d.Status = model.DeliveryPending
	d.Attempt = attempt
	d.LastError = lastErr
	f.deliveries[id] = d
	return nil
}

func (f *fakeDeliveryStore) MarkDead(_ context.Context, id string, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.deliveries[id]
	d.Status = model.DeliveryDead
	d.LastError = lastErr
	f.deliveries[id] = d
	return nil
}

func (f *fakeDeliveryStore) get(id string) model.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliveries[id]
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries []model.DLQEntry
}

func (f *fakeDLQ) WriteDLQ(_ context.Context, entry model.DLQEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

// TestPool_S5_RetryThenSuccess implements scenario S5.
func TestPool_S5_RetryThenSuccess(t *testing.T) {
	d := model.Delivery{ID: "d1", TenantID: "t1", Status: model.DeliveryPending, Attempt: 0}
	store := newFakeDeliveryStore(d, Job{Automation: model.Automation{Kind: "fake"}})
	dlq := &fakeDLQ{}
	adapter := &fakeAdapter{responses: []func() (Result, error){
		func() (Result, error) { return Result{}, &RetriableError{Err: errors.New("503")} },
		func() (Result, error) { return Result{ResponseSnapshot: "200 ok"}, nil },
	}}

	pool := NewPool(NewQueue(store), store, Registry{"fake": adapter}, dlq, nil, 1, 3, time.Millisecond, time.Second, zap.NewNop())

	pool.process(context.Background(), d)
	after1 := store.get("d1")
	require.Equal(t, model.DeliveryPending, after1.Status)
	require.Equal(t, 1, after1.Attempt)

	pool.process(context.Background(), after1)
	after2 := store.get("d1")
	assert.Equal(t, model.DeliverySuccess, after2.Status)
	assert.Equal(t, 1, after2.Attempt)
	assert.Empty(t, dlq.entries)
}

// TestPool_S6_ExhaustedRetries implements scenario S6.
func TestPool_S6_ExhaustedRetries(t *testing.T) {
	d := model.Delivery{ID: "d1", TenantID: "t1", Status: model.DeliveryPending, Attempt: 0}
	store := newFakeDeliveryStore(d, Job{Automation: model.Automation{Kind: "fake"}})
	dlq := &fakeDLQ{}
	adapter := &fakeAdapter{responses: []func() (Result, error){
		func() (Result, error) { return Result{}, &RetriableError{Err: errors.New("500")} },
	}}

	pool := NewPool(NewQueue(store), store, Registry{"fake": adapter}, dlq, nil, 1, 3, time.Millisecond, time.Second, zap.NewNop())

	cur := d
	for i := 0; i < 3; i++ {
		pool.process(context.Background(), cur)
		cur = store.get("d1")
		if cur.Status == model.DeliveryPending {
			cur.Status = model.DeliveryPending
		}
		// ClaimInFlight requires status=pending; after a reschedule the
		// store already reset it to pending for the next attempt.
	}

	final := store.get("d1")
	assert.Equal(t, model.DeliveryDead, final.Status)
	assert.Equal(t, 3, final.Attempt)
	require.Len(t, dlq.entries, 1)
	assert.Equal(t, model.DLQOriginDelivery, dlq.entries[0].Origin)
	assert.Equal(t, "d1", dlq.entries[0].Reference)
}

func TestPool_PermanentFailureSkipsRetry(t *testing.T) {
	d := model.Delivery{ID: "d1", TenantID: "t1", Status: model.DeliveryPending, Attempt: 0}
	store := newFakeDeliveryStore(d, Job{Automation: model.Automation{Kind: "fake"}})
	dlq := &fakeDLQ{}
	adapter := &fakeAdapter{responses: []func() (Result, error){
		func() (Result, error) { return Result{}, &PermanentError{Err: errors.New("400 bad request")} },
	}}

	pool := NewPool(NewQueue(store), store, Registry{"fake": adapter}, dlq, nil, 1, 3, time.Millisecond, time.Second, zap.NewNop())
	pool.process(context.Background(), d)

	final := store.get("d1")
	assert.Equal(t, model.DeliveryDead, final.Status)
	require.Len(t, dlq.entries, 1)
}

func TestPool_ClaimInFlightDropsAlreadyTerminalJob(t *testing.T) {
	d := model.Delivery{ID: "d1", TenantID: "t1", Status: model.DeliverySuccess, Attempt: 1}
	store := newFakeDeliveryStore(d, Job{Automation: model.Automation{Kind: "fake"}})
	dlq := &fakeDLQ{}
	adapter := &fakeAdapter{responses: []func() (Result, error){
		func() (Result, error) { return Result{}, errors.New("should not be called") },
	}}

	pool := NewPool(NewQueue(store), store, Registry{"fake": adapter}, dlq, nil, 1, 3, time.Millisecond, time.Second, zap.NewNop())
	pool.process(context.Background(), d)

	assert.Equal(t, model.DeliverySuccess, store.get("d1").Status)
}

func TestComputeBackoff_MatchesSpecFormula(t *testing.T) {
	base := 2000 * time.Millisecond
	cap := 5 * time.Minute

	assert.Equal(t, 4000*time.Millisecond, computeBackoff(base, cap, 1))
	assert.Equal(t, 8000*time.Millisecond, computeBackoff(base, cap, 2))
}

func TestComputeBackoff_RespectsCap(t *testing.T) {
	base := 2000 * time.Millisecond
	cap := 5 * time.Second

	assert.Equal(t, cap, computeBackoff(base, cap, 10))
}

type fakeDecryptor struct {
	plaintext map[string]string // ciphertext -> plaintext
}

func (f *fakeDecryptor) Open(hexCiphertext string) ([]byte, error) {
	p, ok := f.plaintext[hexCiphertext]
	if !ok {
		return nil, errors.New("unknown ciphertext")
	}
	return []byte(p), nil
}

func TestDecryptConfig_OnlyTouchesEncPrefixedValues(t *testing.T) {
	dec := &fakeDecryptor{plaintext: map[string]string{"abc123": "s3cret-token"}}
	config := map[string]interface{}{
		"url":         "https://example.com/hook",
		"apiKey":      "enc:abc123",
		"retryOnFail": true,
	}

	out, err := decryptConfig(config, dec)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook", out["url"])
	assert.Equal(t, "s3cret-token", out["apiKey"])
	assert.Equal(t, true, out["retryOnFail"])
}

func TestDecryptConfig_NilDecryptorIsNoop(t *testing.T) {
	config := map[string]interface{}{"apiKey": "enc:abc123"}
	out, err := decryptConfig(config, nil)
	require.NoError(t, err)
	assert.Equal(t, "enc:abc123", out["apiKey"])
}
