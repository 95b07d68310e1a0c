package credentials

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestNewPoolRejectsEmptyInput(t *testing.T) {
	if _, err := NewPool(nil); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials for nil keys, got %v", err)
	}
	if _, err := NewPool([]string{"A", "  "}); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials for blank key, got %v", err)
	}
}

func TestRotationAfterExactBudget(t *testing.T) {
	pool, err := NewPool([]string{"key-A", "key-B"})
	if err != nil {
		t.Fatalf("NewPool returned error: %v", err)
	}

	var rotations []string
	pool.OnRotate(func(from, to Credential) {
		rotations = append(rotations, from.Key+"->"+to.Key)
	})

	const budget = 3
	for i := 1; i <= budget; i++ {
		if got := pool.Current().Key; got != "key-A" {
			t.Fatalf("request %d: expected key-A, got %s", i, got)
		}
		pool.RecordRequest()
		rotated, err := pool.RotateIfExhausted(budget)
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
		if rotated != (i == budget) {
			t.Fatalf("request %d: expected rotated=%v, got %v", i, i == budget, rotated)
		}
	}

	if got := pool.Current(); got.Key != "key-B" || got.Index != 1 {
		t.Fatalf("expected key-B at index 1 after rotation, got %+v", got)
	}
	if pool.Used() != 0 {
		t.Fatalf("expected counter reset after rotation, got %d", pool.Used())
	}
	if pool.Remaining() != 0 {
		t.Fatalf("expected no remaining keys, got %d", pool.Remaining())
	}
	if len(rotations) != 1 || rotations[0] != "key-A->key-B" {
		t.Fatalf("unexpected rotation hook calls: %v", rotations)
	}
}

func TestExhaustionAfterLastKeyBudget(t *testing.T) {
	pool, err := NewPool([]string{"only"})
	if err != nil {
		t.Fatalf("NewPool returned error: %v", err)
	}

	pool.RecordRequest()
	if _, err := pool.RotateIfExhausted(2); err != nil {
		t.Fatalf("unexpected error before budget reached: %v", err)
	}

	pool.RecordRequest()
	rotated, err := pool.RotateIfExhausted(2)
	if !errors.Is(err, ErrCredentialsExhausted) {
		t.Fatalf("expected ErrCredentialsExhausted, got %v", err)
	}
	if rotated {
		t.Fatalf("exhaustion must not report a rotation")
	}

	if _, err := pool.RotateIfExhausted(100); !errors.Is(err, ErrCredentialsExhausted) {
		t.Fatalf("exhaustion should be terminal, got %v", err)
	}
	if _, err := pool.Reserve(100); !errors.Is(err, ErrCredentialsExhausted) {
		t.Fatalf("Reserve should fail once exhausted, got %v", err)
	}
}

func TestReserveRotatesBeforeRecording(t *testing.T) {
	pool, err := NewPool([]string{"A", "B"})
	if err != nil {
		t.Fatalf("NewPool returned error: %v", err)
	}

	for i := 0; i < 2; i++ {
		cred, err := pool.Reserve(2)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if cred.Key != "A" {
			t.Fatalf("reserve %d: expected key A, got %s", i, cred.Key)
		}
	}

	cred, err := pool.Reserve(2)
	if err != nil {
		t.Fatalf("third reserve: %v", err)
	}
	if cred.Key != "B" || pool.Used() != 1 {
		t.Fatalf("expected rotation to B with one request recorded, got %s used=%d", cred.Key, pool.Used())
	}
}

func TestReserveIsSafeForConcurrentUse(t *testing.T) {
	keys := []string{"k0", "k1", "k2", "k3"}
	pool, err := NewPool(keys)
	if err != nil {
		t.Fatalf("NewPool returned error: %v", err)
	}

	const budget = 25
	var (
		mu      sync.Mutex
		perKey  = map[string]int{}
		failed  int
		wg      sync.WaitGroup
		callers = 8
	)

	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				cred, err := pool.Reserve(budget)
				mu.Lock()
				if err != nil {
					failed++
				} else {
					perKey[cred.Key]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	total := 0
	for key, n := range perKey {
		if n > budget {
			t.Fatalf("key %s served %d requests, budget is %d", key, n, budget)
		}
		total += n
	}
	if total != len(keys)*budget {
		t.Fatalf("expected %d successful reservations, got %d", len(keys)*budget, total)
	}
	if failed != callers*20-total {
		t.Fatalf("expected %d failures, got %d", callers*20-total, failed)
	}
}

func TestCredentialStringMasksKey(t *testing.T) {
	c := Credential{Index: 2, Key: "ABCDEF-123456"}
	s := c.String()
	if strings.Contains(s, "ABCDEF") {
		t.Fatalf("expected key to be masked, got %s", s)
	}
	if !strings.HasSuffix(s, "3456)") || !strings.HasPrefix(s, "key#2") {
		t.Fatalf("unexpected masked credential %s", s)
	}
	if s != "key#2(****3456)" {
		t.Fatalf("expected fixed-width mask, got %s", s)
	}
	if Mask("abc") != "****" {
		t.Fatalf("short secrets should be fully masked, got %s", Mask("abc"))
	}
	if Mask("") != "" {
		t.Fatalf("empty secret should stay empty, got %s", Mask(""))
	}
}
