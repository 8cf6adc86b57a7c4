package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryFirstIsAtomic(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	var firsts int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.First(ctx, "update:42"); ok {
				atomic.AddInt32(&firsts, 1)
			}
		}()
	}
	wg.Wait()
	if firsts != 1 {
		t.Fatalf("first reported %d times", firsts)
	}

	_ = m.Forget(ctx, "update:42")
	if ok, _ := m.First(ctx, "update:42"); !ok {
		t.Fatalf("forgotten key should be first again")
	}
}
