package models

import "testing"

func TestConnectionState_Constants(t *testing.T) {
	tests := []struct {
		constant ConnectionState
		expected string
	}{
		{ConnectionConnecting, "connecting"},
		{ConnectionConnected, "connected"},
		{ConnectionDisconnected, "disconnected"},
		{ConnectionPolling, "polling"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if tt.constant.String() != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestConnectionState_DeliveryMode(t *testing.T) {
	for _, state := range []ConnectionState{ConnectionConnecting, ConnectionConnected, ConnectionDisconnected, ConnectionPolling} {
		if state.IsPush() && state.IsPoll() {
			t.Errorf("%s reports both push and poll", state)
		}
	}
	if !ConnectionConnected.IsPush() {
		t.Error("connected should be push")
	}
	if !ConnectionPolling.IsPoll() {
		t.Error("polling should be poll")
	}
	if ConnectionDisconnected.IsPush() || ConnectionDisconnected.IsPoll() {
		t.Error("disconnected should deliver nothing")
	}
}
