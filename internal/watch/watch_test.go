package watch

import "testing"

func TestSetWakesSubscriber(t *testing.T) {
	v := New(1)
	sub := v.Subscribe()

	done := make(chan int, 1)
	go func() {
		<-sub.Changed()
		done <- v.Get()
	}()

	v.Set(2)
	if got := <-done; got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestResubscribeArmsNextChange(t *testing.T) {
	v := New("a")
	sub := v.Subscribe()
	v.Set("b")
	<-sub.Changed()

	cur := sub.Resubscribe()
	if cur != "b" {
		t.Fatalf("Resubscribe value = %q, want %q", cur, "b")
	}

	select {
	case <-sub.Changed():
		t.Fatal("channel should not be closed before the next Set")
	default:
	}

	v.Set("c")
	<-sub.Changed()
}
