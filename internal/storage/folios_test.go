package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedFolio(t *testing.T, s *Store, id string) Folio {
	t.Helper()
	f, err := s.SaveFolio(context.Background(), Folio{
		ID:                id,
		Title:             "Quarterly report",
		Description:       "Drafting the Q3 report",
		Guidelines:        "Be concise.",
		PersonaID:         "analyst",
		ArtifactIDs:       []string{"a1"},
		SharedArtifactIDs: []string{"a2"},
	})
	if err != nil {
		t.Fatalf("SaveFolio: %v", err)
	}
	return f
}

func TestSaveAndGetFolio(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedFolio(t, s, "f1")

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	// Insert out of order; GetFolio must return chronological order.
	for i, offset := range []time.Duration{2 * time.Minute, 0, time.Minute} {
		_, err := s.AddMessage(ctx, Message{
			ID:         []string{"m3", "m1", "m2"}[i],
			FolioID:    "f1",
			Role:       "user",
			Content:    "message",
			Importance: 1,
			Timestamp:  base.Add(offset),
		})
		if err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}
	if _, err := s.AddSummary(ctx, Summary{
		ID: "s1", FolioID: "f1", Kind: SummaryWeekly, Content: "week", Importance: 2,
		ValidUntil: base.Add(7 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("AddSummary: %v", err)
	}

	got, err := s.GetFolio(ctx, "f1")
	if err != nil {
		t.Fatalf("GetFolio: %v", err)
	}
	if got.Title != "Quarterly report" || got.PersonaID != "analyst" || got.Guidelines != "Be concise." {
		t.Errorf("unexpected folio fields: %+v", got)
	}
	if len(got.ArtifactIDs) != 1 || got.ArtifactIDs[0] != "a1" {
		t.Errorf("ArtifactIDs = %v, want [a1]", got.ArtifactIDs)
	}
	if len(got.SharedArtifactIDs) != 1 || got.SharedArtifactIDs[0] != "a2" {
		t.Errorf("SharedArtifactIDs = %v, want [a2]", got.SharedArtifactIDs)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(got.Messages))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if got.Messages[i].ID != want {
			t.Errorf("Messages[%d].ID = %q, want %q", i, got.Messages[i].ID, want)
		}
	}
	if !got.Messages[0].Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want %v", got.Messages[0].Timestamp, base)
	}
	if len(got.Summaries) != 1 || got.Summaries[0].Kind != SummaryWeekly {
		t.Fatalf("Summaries = %+v", got.Summaries)
	}
	if !got.Summaries[0].ValidUntil.Equal(base.Add(7 * 24 * time.Hour)) {
		t.Errorf("ValidUntil = %v", got.Summaries[0].ValidUntil)
	}
}

func TestSaveFolio_PreservesMessagesOnUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	f := seedFolio(t, s, "f1")

	if _, err := s.AddMessage(ctx, Message{ID: "m1", FolioID: "f1", Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	f.Title = "Renamed"
	if _, err := s.SaveFolio(ctx, f); err != nil {
		t.Fatalf("SaveFolio: %v", err)
	}

	got, err := s.GetFolio(ctx, "f1")
	if err != nil {
		t.Fatalf("GetFolio: %v", err)
	}
	if got.Title != "Renamed" {
		t.Errorf("Title = %q, want Renamed", got.Title)
	}
	if len(got.Messages) != 1 {
		t.Errorf("len(Messages) = %d, want 1", len(got.Messages))
	}
	if !got.CreatedAt.Equal(f.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", f.CreatedAt, got.CreatedAt)
	}
}

func TestGetFolioNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetFolio(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteFolio_Cascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedFolio(t, s, "f1")
	if _, err := s.AddMessage(ctx, Message{ID: "m1", FolioID: "f1", Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	if err := s.DeleteFolio(ctx, "f1"); err != nil {
		t.Fatalf("DeleteFolio: %v", err)
	}
	msgs, err := s.ListMessages(ctx, "f1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages survived folio deletion: %v", msgs)
	}
	if err := s.DeleteFolio(ctx, "f1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestAddMessage_UnknownFolio(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AddMessage(context.Background(), Message{ID: "m1", FolioID: "nope", Role: "user", Content: "hi"})
	if err == nil {
		t.Error("expected foreign key error")
	}
}

func TestAddSummary_RejectsUnknownKind(t *testing.T) {
	s := openTestStore(t)
	seedFolio(t, s, "f1")
	_, err := s.AddSummary(context.Background(), Summary{ID: "s1", FolioID: "f1", Kind: "monthly", Content: "x"})
	if err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestSummaryExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		validUntil time.Time
		want       bool
	}{
		{"no expiry", time.Time{}, false},
		{"future", now.Add(time.Hour), false},
		{"past", now.Add(-time.Hour), true},
		{"boundary", now, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Summary{ValidUntil: tt.validUntil}).Expired(now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.SaveArtifact(ctx, Artifact{ID: "a1", Title: "Design", Content: "Body"})
	if err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}
	if a.Type != "note" {
		t.Errorf("Type = %q, want note", a.Type)
	}

	got, err := s.GetArtifact(ctx, "a1")
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if got.Title != "Design" || got.Content != "Body" {
		t.Errorf("unexpected artifact: %+v", got)
	}

	if err := s.DeleteArtifact(ctx, "a1"); err != nil {
		t.Fatalf("DeleteArtifact: %v", err)
	}
	if _, err := s.GetArtifact(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPersonaAndSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := Persona{ID: "analyst", Name: "Analyst", Identity: "a careful analyst", Tone: "dry", Role: "reviewer"}
	if err := s.SavePersona(ctx, p); err != nil {
		t.Fatalf("SavePersona: %v", err)
	}
	got, err := s.GetPersona(ctx, "analyst")
	if err != nil {
		t.Fatalf("GetPersona: %v", err)
	}
	if got != p {
		t.Errorf("GetPersona = %+v, want %+v", got, p)
	}
	list, err := s.ListPersonas(ctx)
	if err != nil {
		t.Fatalf("ListPersonas: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("len(ListPersonas) = %d, want 1", len(list))
	}

	if _, err := s.GetSetting(ctx, SettingActivePersona); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetSetting(ctx, SettingActivePersona, "analyst"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting(ctx, SettingActivePersona, "coach"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	v, err := s.GetSetting(ctx, SettingActivePersona)
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v != "coach" {
		t.Errorf("GetSetting = %q, want coach", v)
	}
}
