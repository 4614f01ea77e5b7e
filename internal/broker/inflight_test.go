package broker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestInflightRefusesAfterClose(t *testing.T) {
	var f inflight
	if !f.begin() {
		t.Fatal("begin before close refused")
	}

	released := make(chan struct{})
	closed := make(chan struct{})
	go func() {
		f.closeAndWait()
		close(closed)
	}()

	go func() {
		<-released
		f.done()
	}()

	// closeAndWait must block on the running handler.
	select {
	case <-closed:
		t.Fatal("closeAndWait returned with a handler running")
	case <-time.After(50 * time.Millisecond):
	}

	close(released)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("closeAndWait did not return after handler finished")
	}

	if f.begin() {
		t.Error("begin after close accepted")
	}
}

func TestInflightConcurrentBeginAndClose(t *testing.T) {
	for range 50 {
		var (
			f        inflight
			accepted atomic.Int32
			finished atomic.Int32
			wg       sync.WaitGroup
		)
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if !f.begin() {
					return
				}
				accepted.Add(1)
				go func() {
					defer f.done()
					time.Sleep(time.Millisecond)
					finished.Add(1)
				}()
			}()
		}
		f.closeAndWait()
		snapshot := finished.Load()
		wg.Wait()

		// Every handler accepted before close finished before closeAndWait returned,
		// and none were accepted after.
		if got := accepted.Load(); snapshot != got {
			t.Fatalf("finished %d of %d accepted handlers before close returned", snapshot, got)
		}
	}
}
