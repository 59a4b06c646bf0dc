package async

import (
	"errors"
	"testing"
)

func TestAsyncError_NotCompleted(t *testing.T) {
	err := newAsyncError(nil)
	ok, retErr := err.TryGetValue()
	if ok {
		t.Error("Expected TryGetValue to return false for uncompleted AsyncError")
	}
	if retErr != nil {
		t.Error("Expected TryGetValue to return nil for uncompleted AsyncError")
	}
}

func TestAsyncError_CompletedIsSticky(t *testing.T) {
	notified := 0
	err := newAsyncError(func() { notified++ })
	testErr := errors.New("cancel timed out")
	err.SetValue(testErr)

	for i := 0; i < 2; i++ {
		ok, retErr := err.TryGetValue()
		if !ok || retErr != testErr {
			t.Fatalf("attempt %d: got (%v, %v), want (true, %v)", i, ok, retErr, testErr)
		}
	}
	if notified != 1 {
		t.Errorf("expected a single notification, got %d", notified)
	}
}

func TestAsyncError_CallingSetValueTwicePanics(t *testing.T) {
	err := newAsyncError(nil)
	err.SetValue(nil)

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Expected calling SetValue twice to cause a panic")
		}
	}()
	err.SetValue(nil)
}
