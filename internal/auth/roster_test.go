package auth

import (
	"context"
	"errors"
	"testing"
)

func TestRoster_CreateAndGetJudge(t *testing.T) {
	db := testDB(t)
	roster := NewRoster(db)
	ctx := context.Background()

	judge := &Judge{DisplayName: "Alex Rivera", Email: "alex@example.org"}
	if err := roster.CreateJudge(ctx, judge, "493817"); err != nil {
		t.Fatalf("CreateJudge() error = %v", err)
	}

	if judge.ID == "" {
		t.Fatal("CreateJudge() should generate an ID")
	}

	got, err := roster.GetJudge(ctx, judge.ID)
	if err != nil {
		t.Fatalf("GetJudge() error = %v", err)
	}

	if got.DisplayName != "Alex Rivera" {
		t.Errorf("DisplayName = %q, want %q", got.DisplayName, "Alex Rivera")
	}
	if got.Email != "alex@example.org" {
		t.Errorf("Email = %q, want %q", got.Email, "alex@example.org")
	}
	if !got.IsActive {
		t.Error("new judge should be active")
	}
	if got.PINHash == "493817" {
		t.Error("PIN must never be stored in plaintext")
	}
}

func TestRoster_GetJudgeNotFound(t *testing.T) {
	roster := NewRoster(testDB(t))

	if _, err := roster.GetJudge(context.Background(), "no-such-judge"); !errors.Is(err, ErrJudgeNotFound) {
		t.Errorf("GetJudge() error = %v, want ErrJudgeNotFound", err)
	}
}

func TestRoster_Authenticate(t *testing.T) {
	db := testDB(t)
	roster := NewRoster(db)
	ctx := context.Background()

	judge := &Judge{ID: "judge-auth", DisplayName: "Sam"}
	if err := roster.CreateJudge(ctx, judge, "493817"); err != nil {
		t.Fatalf("CreateJudge() error = %v", err)
	}

	if _, err := roster.Authenticate(ctx, "judge-auth", "493817"); err != nil {
		t.Errorf("Authenticate() correct PIN error = %v", err)
	}

	if _, err := roster.Authenticate(ctx, "judge-auth", "000000"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Authenticate() wrong PIN error = %v, want ErrUnauthenticated", err)
	}

	if _, err := roster.Authenticate(ctx, "ghost", "493817"); !errors.Is(err, ErrJudgeNotFound) {
		t.Errorf("Authenticate() unknown judge error = %v, want ErrJudgeNotFound", err)
	}
}

func TestRoster_IsAuthorized(t *testing.T) {
	db := testDB(t)
	roster := NewRoster(db)
	ctx := context.Background()

	seedTestJudge(t, db, "judge-1", "station-s3", "event-e1")

	tests := []struct {
		name                  string
		judge, station, event string
		want                  bool
	}{
		{"assigned triple", "judge-1", "station-s3", "event-e1", true},
		{"wrong station", "judge-1", "station-s9", "event-e1", false},
		{"wrong event", "judge-1", "station-s3", "event-e2", false},
		{"unknown judge", "judge-x", "station-s3", "event-e1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := roster.IsAuthorized(ctx, tt.judge, tt.station, tt.event)
			if err != nil {
				t.Fatalf("IsAuthorized() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("IsAuthorized() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoster_Unassign(t *testing.T) {
	db := testDB(t)
	roster := NewRoster(db)
	ctx := context.Background()

	seedTestJudge(t, db, "judge-1", "station-s3", "event-e1")

	if err := roster.Unassign(ctx, "judge-1", "station-s3", "event-e1"); err != nil {
		t.Fatalf("Unassign() error = %v", err)
	}

	ok, err := roster.IsAuthorized(ctx, "judge-1", "station-s3", "event-e1")
	if err != nil {
		t.Fatalf("IsAuthorized() error = %v", err)
	}
	if ok {
		t.Error("judge should not be authorised after Unassign()")
	}
}
