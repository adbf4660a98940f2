package model

import (
	"strings"
	"testing"
	"time"
)

func TestParseDelay(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"0", 0, false},
		{"2", 2 * time.Hour, false},
		{"24", 24 * time.Hour, false},
		{"0.5", 30 * time.Minute, false},
		{"1.25", 75 * time.Minute, false},
		{"0.0001", 360 * time.Millisecond, false},
		{"-1", 0, true},
		{"abc", 0, true},
		{"", 0, true},
		{"1e9", 0, true},
		{"1e6", 1000000 * time.Hour, false},
		{"0.000000001", 3600 * time.Nanosecond, false},
		{"0.0000000001", 0, true},
		{"3000000", 0, true},
		{"1e20000000", 0, true},
		{"1e-100000", 0, true},
		{"-1e20000000", 0, true},
		{"1" + strings.Repeat("0", 40), 0, true},
	}

	for _, tt := range tests {
		name := tt.in
		if len(name) > 20 {
			name = name[:20]
		}
		t.Run(name, func(t *testing.T) {
			d, err := ParseDelay(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDelay(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				if !IsValidation(err) {
					t.Errorf("expected ValidationError, got %T", err)
				}
				if len(err.Error()) > 128 {
					t.Errorf("error message is %d bytes", len(err.Error()))
				}
				return
			}
			got, err := d.Duration()
			if err != nil {
				t.Fatalf("Duration() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Duration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelayNoDrift(t *testing.T) {
	// 0.1h summed ten times is exactly one hour
	anchor := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	due := anchor
	for i := 0; i < 10; i++ {
		var err error
		due, err = DueAt(due, "0.1")
		if err != nil {
			t.Fatalf("DueAt() error = %v", err)
		}
	}
	if want := anchor.Add(time.Hour); !due.Equal(want) {
		t.Errorf("due = %v, want %v", due, want)
	}
}

func TestDelayString(t *testing.T) {
	a, err := ParseDelay("2.50")
	if err != nil {
		t.Fatalf("ParseDelay() error = %v", err)
	}
	b, _ := ParseDelay("2.5")
	if !a.Equal(b) {
		t.Errorf("2.50 should equal 2.5")
	}
	if DelayHours(5).String() != "5" {
		t.Errorf("DelayHours(5).String() = %q", DelayHours(5).String())
	}
}

func TestParseDelayKeepsStoredTextShort(t *testing.T) {
	for _, in := range []string{"1e6", "2562047", "0.000000001", "12.500000000"} {
		d, err := ParseDelay(in)
		if err != nil {
			t.Fatalf("ParseDelay(%q) error = %v", in, err)
		}
		if n := len(d.String()); n > maxDelayLength {
			t.Errorf("ParseDelay(%q).String() is %d characters", in, n)
		}
	}
}
