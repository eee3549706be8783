package logging

import "testing"

func TestNew(t *testing.T) {
	logger, err := New("debug", true)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatal("debug level should be enabled")
	}

	logger, err = New("", false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if logger.Core().Enabled(-1) {
		t.Fatal("default level should be info")
	}

	if _, err := New("chatty", false); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
