package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/psyclinic/clinic/internal/domain/catalog"
)

func sampleSession() Session {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	return Session{
		ID:           uuid.New(),
		StartTime:    start,
		EndTime:      start.Add(time.Hour),
		Psychologist: catalog.Summary{ID: psychologistA, Name: "Ana Gómez"},
		Modality:     catalog.Summary{ID: inPerson, Name: "Presencial"},
		State:        catalog.Summary{ID: scheduled, Name: "Programada"},
		Patients:     []catalog.Summary{{ID: patientOne, Name: "Carla Ruiz"}},
	}
}

func TestSession_Blocks(t *testing.T) {
	s := sampleSession()
	if !s.Blocks() {
		t.Error("expected scheduled session to block")
	}
	s.Cancelled = true
	if s.Blocks() {
		t.Error("expected cancelled session not to block")
	}
	s.Cancelled = false
	now := time.Now()
	s.DeletedAt = &now
	if s.Blocks() {
		t.Error("expected deleted session not to block")
	}
}

func TestPatch_Apply(t *testing.T) {
	s := sampleSession()
	newStart := s.StartTime.Add(time.Hour)
	cancelledFlag := true
	p := Patch{
		StartTime:      &newStart,
		PsychologistID: &psychologistB,
		ModalityID:     &inPerson,
		Notes:          strPtr("moved"),
		Cancelled:      &cancelledFlag,
	}

	got := p.Apply(s)

	if !got.StartTime.Equal(newStart) {
		t.Errorf("expected start %s, got %s", newStart, got.StartTime)
	}
	if !got.EndTime.Equal(s.EndTime) {
		t.Error("expected end unchanged")
	}
	if got.Psychologist.ID != psychologistB || got.Psychologist.Name != "" {
		t.Errorf("expected changed psychologist with cleared name, got %+v", got.Psychologist)
	}
	if got.Modality.Name != "Presencial" {
		t.Error("expected unchanged modality to keep its name")
	}
	if got.Notes == nil || *got.Notes != "moved" {
		t.Errorf("expected notes applied, got %v", got.Notes)
	}
	if !got.Cancelled {
		t.Error("expected cancelled flag applied")
	}
	if s.Psychologist.ID != psychologistA {
		t.Error("expected original session untouched")
	}
}

func TestPatch_IsEmpty(t *testing.T) {
	if !(Patch{}).IsEmpty() {
		t.Error("expected zero patch to be empty")
	}
	if (Patch{Notes: strPtr("")}).IsEmpty() {
		t.Error("expected patch clearing notes not to be empty")
	}
}

func TestSession_JSON(t *testing.T) {
	s := sampleSession()
	key := "abc"
	s.IdempotencyKey = &key
	s.Cancelled = true

	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, k := range []string{"id", "start_time", "end_time", "psychologist", "modality", "state", "patients", "created_at", "updated_at"} {
		if _, ok := m[k]; !ok {
			t.Errorf("expected key %q in JSON", k)
		}
	}
	for _, k := range []string{"Cancelled", "IdempotencyKey", "deleted_at", "notes"} {
		if _, ok := m[k]; ok {
			t.Errorf("expected key %q to be omitted", k)
		}
	}
	psych, _ := m["psychologist"].(map[string]interface{})
	if psych["name"] != "Ana Gómez" {
		t.Errorf("expected nested psychologist name, got %v", psych)
	}
	if m["start_time"] != "2025-03-10T12:00:00Z" {
		t.Errorf("expected UTC start_time, got %v", m["start_time"])
	}
}
