package model

import (
	"testing"
	"time"
)

func TestDaysRemaining(t *testing.T) {
	trashed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	tests := []struct {
		name    string
		elapsed time.Duration
		want    int
	}{
		{"just trashed", 0, 30},
		{"half a day", 12 * time.Hour, 30},
		{"one day", day, 29},
		{"last second", 30*day - time.Second, 1},
		{"expired", 30 * day, 0},
		{"long expired", 45 * day, 0},
		{"clock skew", -time.Hour, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DaysRemaining(trashed, trashed.Add(tt.elapsed)); got != tt.want {
				t.Errorf("DaysRemaining(+%v) = %d, want %d", tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestNewTrashInfo(t *testing.T) {
	trashed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := Message{ID: "m1", IsTrashed: true, TrashedAt: &trashed}

	info := NewTrashInfo(&m, trashed.Add(45*24*time.Hour))
	if info == nil {
		t.Fatal("NewTrashInfo = nil for trashed message")
	}
	if want := trashed.Add(30 * 24 * time.Hour); !info.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", info.ExpiresAt, want)
	}
	if !info.TrashedAt.Equal(trashed) || info.DaysRemaining != 0 || info.ExpiresIn == "" {
		t.Errorf("info = %+v", info)
	}

	info = NewTrashInfo(&m, trashed.Add(time.Hour))
	if info.DaysRemaining != 30 || !info.ExpiresAt.Equal(trashed.Add(TrashRetention)) {
		t.Errorf("fresh info = %+v", info)
	}

	if NewTrashInfo(&Message{ID: "m2"}, trashed) != nil {
		t.Error("NewTrashInfo for live message must be nil")
	}
	if NewTrashInfo(&Message{ID: "m3", IsTrashed: true}, trashed) != nil {
		t.Error("NewTrashInfo without trashed_at must be nil")
	}
}
