package auth

import (
	"sync"
	"testing"
	"time"
)

func TestCache_FreshHit(t *testing.T) {
	cache := NewAuthCache(1 * time.Minute)
	cache.Set("awk_abc123", &Principal{OperatorID: "op_1", Role: RoleAdmin})

	result := cache.Get("awk_abc123")
	if !result.Hit {
		t.Fatal("expected cache hit")
	}
	if result.NeedsRefresh {
		t.Error("fresh entry should not need refresh")
	}
	if result.Principal.OperatorID != "op_1" {
		t.Errorf("expected op_1, got %s", result.Principal.OperatorID)
	}
}

func TestCache_Miss(t *testing.T) {
	cache := NewAuthCache(1 * time.Minute)

	result := cache.Get("awk_nonexistent")
	if result.Hit {
		t.Error("expected cache miss")
	}
	if result.Principal != nil {
		t.Error("expected nil principal on miss")
	}
	if result.NeedsRefresh {
		t.Error("miss should not need refresh")
	}
}

func TestCache_StaleHit_OnlyOneRefreshSignal(t *testing.T) {
	cache := NewAuthCache(1 * time.Millisecond)
	cache.Set("awk_abc123", &Principal{OperatorID: "op_1"})
	time.Sleep(5 * time.Millisecond)

	r1 := cache.Get("awk_abc123")
	if !r1.Hit || !r1.NeedsRefresh {
		t.Fatal("first stale read should hit and signal refresh")
	}

	r2 := cache.Get("awk_abc123")
	if !r2.Hit {
		t.Fatal("expected stale hit on second read")
	}
	if r2.NeedsRefresh {
		t.Error("second stale read should not signal refresh")
	}
	if r2.Principal.OperatorID != "op_1" {
		t.Error("stale read should still return the principal")
	}
}

func TestCache_SetAfterStale_ResetsFreshness(t *testing.T) {
	cache := NewAuthCache(1 * time.Millisecond)
	cache.Set("awk_abc123", &Principal{OperatorID: "op_1"})
	time.Sleep(5 * time.Millisecond)

	if !cache.Get("awk_abc123").NeedsRefresh {
		t.Fatal("expected refresh signal")
	}

	cache.ttl = time.Minute
	cache.Set("awk_abc123", &Principal{OperatorID: "op_1", Role: RoleMonitor})

	r := cache.Get("awk_abc123")
	if r.NeedsRefresh {
		t.Error("newly set entry should be fresh")
	}
	if r.Principal.Role != RoleMonitor {
		t.Errorf("expected refreshed principal, got role %q", r.Principal.Role)
	}
}

func TestCache_DeleteAndPurge(t *testing.T) {
	cache := NewAuthCache(1 * time.Minute)
	cache.Set("awk_key1", &Principal{OperatorID: "op_1"})
	cache.Set("awk_key2", &Principal{OperatorID: "op_1"})
	cache.Set("awk_key3", &Principal{OperatorID: "op_2"})

	cache.Delete("awk_key1")
	if cache.Get("awk_key1").Hit {
		t.Error("expected miss after delete")
	}

	cache.Purge("op_1")
	if cache.Get("awk_key2").Hit {
		t.Error("expected purge to drop every key of op_1")
	}
	if !cache.Get("awk_key3").Hit {
		t.Error("purge must keep other operators")
	}
}

func TestCache_ConcurrentStaleRefresh(t *testing.T) {
	cache := NewAuthCache(1 * time.Millisecond)
	cache.Set("awk_key", &Principal{OperatorID: "op_1"})
	time.Sleep(5 * time.Millisecond)

	var wg sync.WaitGroup
	var mu sync.Mutex
	refreshCount := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := cache.Get("awk_key")
			if !result.Hit {
				t.Error("expected stale hit")
			}
			if result.NeedsRefresh {
				mu.Lock()
				refreshCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if refreshCount != 1 {
		t.Errorf("expected exactly 1 refresh signal, got %d", refreshCount)
	}
}

func BenchmarkCache_Get_FreshHit(b *testing.B) {
	cache := NewAuthCache(5 * time.Minute)
	cache.Set("awk_bench_key", &Principal{OperatorID: "op_bench", Role: RoleAdmin})

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if !cache.Get("awk_bench_key").Hit {
				b.Fatal("expected hit")
			}
		}
	})
}
