package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	ch := fake.After(time.Minute)
	assert.Equal(t, 1, fake.Waiters())

	fake.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired early")
	default:
	}

	fake.Advance(30 * time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, start.Add(time.Minute), got)
	default:
		t.Fatal("waiter did not fire")
	}
	assert.Equal(t, 0, fake.Waiters())
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	select {
	case <-fake.After(0):
	default:
		t.Fatal("expected immediate fire")
	}
}

func TestFakeSet(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	ch := fake.After(time.Hour)
	fake.Set(time.Unix(0, 0).Add(2 * time.Hour))
	assert.Len(t, ch, 1)
	assert.Equal(t, time.Unix(0, 0).Add(2*time.Hour), fake.Now())
}
