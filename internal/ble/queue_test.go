package ble

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueueOrdersByKind(t *testing.T) {
	a := &Characteristic{UUID: "a"}
	b := &Characteristic{UUID: "b"}

	started := make(chan struct{})
	gate := make(chan struct{})
	var mu sync.Mutex
	var got []Command
	done := make(chan struct{})

	q := newCommandQueue(0, 20, func(_ uint64, cmd Command) {
		mu.Lock()
		got = append(got, cmd)
		n := len(got)
		mu.Unlock()
		if n == 1 {
			close(started)
			<-gate
		}
		if n == 7 {
			close(done)
		}
	})
	defer q.close()

	// The first command occupies the worker so the rest queue up.
	_ = q.submit(Command{Kind: KindConnect})
	<-started

	_ = q.submit(Command{Kind: KindScan})
	_ = q.submit(Command{Kind: KindWrite, Target: a, Value: []byte{1}})
	_ = q.submit(Command{Kind: KindRead, Target: a})
	_ = q.submit(Command{Kind: KindWrite, Target: b, Value: []byte{2}})
	_ = q.submit(Command{Kind: KindEnableNotification, Target: b})
	_ = q.submit(Command{Kind: KindRead, Target: b})
	close(gate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queue to drain")
	}

	want := []Command{
		{Kind: KindConnect},
		{Kind: KindRead, Target: a},
		{Kind: KindRead, Target: b},
		{Kind: KindWrite, Target: a},
		{Kind: KindWrite, Target: b},
		{Kind: KindEnableNotification, Target: b},
		{Kind: KindScan},
	}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("command %d = %s, want %s", i, got[i], want[i])
		}
	}
	if v := got[3].Value; len(v) != 1 || v[0] != 1 {
		t.Errorf("first write payload = %v, want [1]", v)
	}
}

func TestQueueSubmitAfterClose(t *testing.T) {
	q := newCommandQueue(0, 20, func(uint64, Command) {})
	q.close()
	q.close() // second close is a no-op

	if err := q.submit(Command{Kind: KindRead}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("submit() after close = %v, want ErrQueueClosed", err)
	}
	select {
	case <-q.done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after close")
	}
}

func TestQueuePassesEpoch(t *testing.T) {
	got := make(chan uint64, 1)
	q := newCommandQueue(7, 20, func(epoch uint64, _ Command) { got <- epoch })
	defer q.close()

	_ = q.submit(Command{Kind: KindPollRSSI})
	select {
	case e := <-got:
		if e != 7 {
			t.Errorf("epoch = %d, want 7", e)
		}
	case <-time.After(time.Second):
		t.Fatal("command not executed")
	}
}

func TestPermitReleaseIsIdempotent(t *testing.T) {
	p := newPermit()
	p.release() // unheld
	if p.held() != 0 {
		t.Fatalf("held() = %d after stray release, want 0", p.held())
	}

	p.acquire()
	p.release()
	p.release()
	if p.held() != 0 {
		t.Fatalf("held() = %d after double release, want 0", p.held())
	}

	p.acquire()
	acquired := make(chan struct{})
	go func() {
		p.acquire()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while permit held")
	case <-time.After(20 * time.Millisecond):
	}
	p.release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by release")
	}
	if p.held() != 1 {
		t.Errorf("held() = %d, want 1", p.held())
	}
}

func TestCommandEqual(t *testing.T) {
	a := &Characteristic{UUID: "a"}
	b := &Characteristic{UUID: "b"}

	tests := []struct {
		name string
		x, y Command
		want bool
	}{
		{"same kind and target", Command{Kind: KindRead, Target: a}, Command{Kind: KindRead, Target: a}, true},
		{"payload ignored", Command{Kind: KindWrite, Target: a, Value: []byte{1}}, Command{Kind: KindWrite, Target: a, Value: []byte{2}}, true},
		{"different target", Command{Kind: KindRead, Target: a}, Command{Kind: KindRead, Target: b}, false},
		{"different kind", Command{Kind: KindRead, Target: a}, Command{Kind: KindWrite, Target: a}, false},
		{"no target", Command{Kind: KindScan}, Command{Kind: KindScan}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.x.Equal(tt.y); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommandString(t *testing.T) {
	c := &Characteristic{UUID: "2a19"}
	tests := []struct {
		cmd  Command
		want string
	}{
		{Command{Kind: KindRead, Target: c}, "{READ: 2a19}"},
		{Command{Kind: KindScan}, "{SCAN: --}"},
		{Command{Kind: KindWrite, Target: c, Channel: ChannelRudder}, "{WRITE: 2a19 (rudder)}"},
		{Command{Kind: Kind(42)}, "{Kind(42): --}"},
	}
	for _, tt := range tests {
		if got := tt.cmd.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
