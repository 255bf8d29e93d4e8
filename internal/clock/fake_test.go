package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)

	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "second") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "first") })
	c.AfterFunc(5*time.Second, func() { order = append(order, "late") })

	c.Advance(3 * time.Second)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("fired = %v, want [first second]", order)
	}
	if got := c.Now(); !got.Equal(epoch.Add(3 * time.Second)) {
		t.Errorf("Now() = %v, want %v", got, epoch.Add(3*time.Second))
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
}

func TestFake_StopIsIdempotent(t *testing.T) {
	c := Fake(epoch)

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("first Stop() = false, want true")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}

	c.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFake_StopAfterFire(t *testing.T) {
	c := Fake(epoch)

	timer := c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)

	if timer.Stop() {
		t.Error("Stop() after fire = true, want false")
	}
}

func TestFake_CallbackCanReschedule(t *testing.T) {
	c := Fake(epoch)

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)

	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestFake_NonPositiveDelayRunsImmediately(t *testing.T) {
	c := Fake(epoch)

	fired := false
	timer := c.AfterFunc(0, func() { fired = true })

	if !fired {
		t.Error("AfterFunc(0) did not run synchronously")
	}
	if timer.Stop() {
		t.Error("Stop() on immediate timer = true, want false")
	}
}
