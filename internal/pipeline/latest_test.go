package pipeline

import (
	"sync"
	"testing"
)

type pair struct {
	a, b int
}

func TestLatestEmptyBeforePublish(t *testing.T) {
	var l Latest[pair]
	v, ver := l.Load()
	if ver != 0 || v != (pair{}) {
		t.Fatalf("Load() = %+v, %d; want zero value", v, ver)
	}
}

func TestLatestReturnsMostRecent(t *testing.T) {
	var l Latest[pair]
	for i := 1; i <= 5; i++ {
		l.Publish(pair{i, i})
	}
	v, ver := l.Load()
	if ver != 5 || v.a != 5 {
		t.Fatalf("Load() = %+v, %d; want {5 5}, 5", v, ver)
	}
}

func TestLatestNeverTornOrOlder(t *testing.T) {
	var l Latest[pair]
	const writes = 5000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			l.Publish(pair{i, -i})
		}
	}()

	var last uint64
	for i := 0; i < writes; i++ {
		v, ver := l.Load()
		if v.a != -v.b {
			t.Fatalf("torn read: %+v", v)
		}
		if ver < last {
			t.Fatalf("version went backwards: %d after %d", ver, last)
		}
		last = ver
	}
	wg.Wait()

	if _, ver := l.Load(); ver != writes {
		t.Fatalf("final version = %d, want %d", ver, writes)
	}
}
