package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestIDAcceptsStringNumberNull(t *testing.T) {
	var v struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":" u-1 ","b":42,"c":null}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.A != "u-1" || v.B != "42" || v.C != "" {
		t.Fatalf("got %+v", v)
	}
}

func TestMessageTimestampFields(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"timestamp with zone", `{"id":"1","timestamp":"2024-05-01T10:00:00+02:00"}`, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)},
		{"naive created_at", `{"id":"1","created_at":"2024-05-01T10:00:00.123456"}`, time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)},
		{"time fallback", `{"id":"1","time":"2024-05-01 10:00:00"}`, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{"missing", `{"id":"1"}`, time.Time{}},
		{"garbage", `{"id":"1","timestamp":"yesterday"}`, time.Time{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m Message
			if err := json.Unmarshal([]byte(tc.raw), &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !m.CreatedAt.Equal(tc.want) {
				t.Fatalf("CreatedAt = %v, want %v", m.CreatedAt, tc.want)
			}
			if m.HasTimestamp() == tc.want.IsZero() {
				t.Fatalf("HasTimestamp = %v", m.HasTimestamp())
			}
		})
	}
	var nilMsg *Message
	if nilMsg.HasTimestamp() {
		t.Fatalf("nil message has no timestamp")
	}
}

func TestUserHelpers(t *testing.T) {
	u := UserPublic{ID: "1", Name: "Ann", AvatarURL: "a.png"}
	if u.DisplayName() != "Ann" || u.Avatar() != "a.png" {
		t.Fatalf("got %q %q", u.DisplayName(), u.Avatar())
	}
	if (UserPublic{}).DisplayName() != "User" {
		t.Fatalf("placeholder name")
	}
	c := Conversation{ID: "conv:1"}
	if c.CounterpartID() != "conv:1" {
		t.Fatalf("CounterpartID without user = %q", c.CounterpartID())
	}
}
