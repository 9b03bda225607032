package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBusLabel(t *testing.T) {
	cases := map[uint8]string{0: "0", 2: "2", 3: "3", 4: "4+", 200: "4+"}
	for bus, want := range cases {
		if got := busLabel(bus); got != want {
			t.Fatalf("busLabel(%d)=%q want %q", bus, got, want)
		}
	}
}

func TestSnapMirrorsCounters(t *testing.T) {
	before := Snap()
	IncBusRx(0)
	IncBusTx(2)
	IncTxRejected("rate")
	IncTransition("disengaged", "brake")
	IncTransition("engaged", "button")
	SetControlsAllowed(true)
	after := Snap()
	if after.BusRx != before.BusRx+1 || after.BusTx != before.BusTx+1 {
		t.Fatalf("bus counters %+v -> %+v", before, after)
	}
	if after.TxRejected != before.TxRejected+1 || after.Disengagements != before.Disengagements+1 {
		t.Fatalf("safety counters %+v -> %+v", before, after)
	}
	if !after.ControlsAllowed {
		t.Fatal("controls gauge not mirrored")
	}
	SetControlsAllowed(false)
	if Snap().ControlsAllowed {
		t.Fatal("controls gauge stuck")
	}
}

func TestReadyEndpoint(t *testing.T) {
	t.Cleanup(func() { SetReadinessFunc(nil) })
	mux := Mux()
	ready := false
	SetReadinessFunc(func() bool { return ready })

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
	ready = true
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}
