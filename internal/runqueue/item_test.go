package runqueue

import (
	"testing"

	"github.com/ocapkernel/kernel/internal/kref"
)

func TestEncodeDecodeItem_Send(t *testing.T) {
	want := NewSend(kref.NewObjectKRef(7), "foo", kref.CapData{Body: "[]", Slots: []string{"ko1"}}, kref.NewPromiseKRef(4))
	s, err := encodeItem(want)
	if err != nil {
		t.Fatalf("encodeItem: %v", err)
	}
	got, err := decodeItem(s)
	if err != nil {
		t.Fatalf("decodeItem: %v", err)
	}
	if got.Kind != want.Kind || got.Target != want.Target || got.Method != want.Method || got.Result != want.Result {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestEncodeDecodeItem_Notify(t *testing.T) {
	want := NewNotify(kref.VatID("v1"), kref.NewPromiseKRef(9))
	s, err := encodeItem(want)
	if err != nil {
		t.Fatalf("encodeItem: %v", err)
	}
	got, err := decodeItem(s)
	if err != nil {
		t.Fatalf("decodeItem: %v", err)
	}
	if got.Kind != KindNotify || got.VatID.String() != "v1" || got.KPID != kref.NewPromiseKRef(9) {
		t.Fatalf("round trip = %+v, want notify(v1, kp9)", got)
	}
}
