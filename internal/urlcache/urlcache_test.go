package urlcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/busfleet/kiosk-sync/internal/objectstore"
)

type countingStore struct {
	objectstore.Store
	signs int32
}

func (c *countingStore) SignRead(ctx context.Context, path string, ttl time.Duration) (string, error) {
	atomic.AddInt32(&c.signs, 1)
	return "https://signed.example/" + path, nil
}

func TestSignedURL_CachesWithinTTL(t *testing.T) {
	store := &countingStore{}
	c := New(store, time.Hour, 5*time.Minute, nil)

	url1, err := c.SignedURL(context.Background(), "boarding_events/abc/face_1.jpg")
	require.NoError(t, err)
	url2, err := c.SignedURL(context.Background(), "boarding_events/abc/face_1.jpg")
	require.NoError(t, err)

	require.Equal(t, url1, url2)
	require.EqualValues(t, 1, atomic.LoadInt32(&store.signs))
}

func TestSignedURL_CoalescesConcurrentMisses(t *testing.T) {
	store := &countingStore{}
	c := New(store, time.Hour, 5*time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.SignedURL(context.Background(), "boarding_events/abc/face_2.jpg")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&store.signs))
}

func TestSignedURL_SharesAcrossRedisLayer(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := &countingStore{}

	c1 := New(store, time.Hour, 5*time.Minute, client)
	c2 := New(store, time.Hour, 5*time.Minute, client)

	url1, err := c1.SignedURL(context.Background(), "boarding_events/xyz/face_1.jpg")
	require.NoError(t, err)

	url2, err := c2.SignedURL(context.Background(), "boarding_events/xyz/face_1.jpg")
	require.NoError(t, err)

	require.Equal(t, url1, url2)
	require.EqualValues(t, 1, atomic.LoadInt32(&store.signs))
}

func TestCacheTTL_AppliesSafetyMargin(t *testing.T) {
	require.Equal(t, 55*time.Minute, cacheTTL(60*time.Minute, 5*time.Minute))
	require.Equal(t, time.Hour, cacheTTL(time.Hour, 0))
}
