package scheduling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestHTTPClientGetSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions/s1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"s1","patientId":"p1","doctorId":"d1","startTime":"2026-01-02T10:00:00Z","type":"follow-up"}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL+"/api/", nil)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	appt, err := c.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if appt.PatientID != "p1" || appt.DoctorID != "d1" || appt.Type != "follow-up" {
		t.Fatalf("appt=%+v", appt)
	}
	if appt.StartTime.IsZero() {
		t.Fatalf("start time not decoded")
	}

	if _, err := c.GetSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want %v", err, ErrNotFound)
	}
}

func TestHTTPClientRejectsBadBase(t *testing.T) {
	if _, err := NewHTTPClient("ftp://example.com", nil); err == nil {
		t.Fatalf("expected error for non-http base url")
	}
}

func TestHTTPClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := NewHTTPClient(srv.URL, nil)
	_, err := c.GetSession(context.Background(), "s1")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want non-NotFound error", err)
	}
}

func TestLoadDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appointments.json")
	if err := os.WriteFile(path, []byte(`[{"id":"s1","patientId":"p1","doctorId":"d1"}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := LoadDirectory(path)
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	appt, err := d.GetSession(context.Background(), "s1")
	if err != nil || appt.DoctorID != "d1" {
		t.Fatalf("appt=%+v err=%v", appt, err)
	}
	if _, err := d.GetSession(context.Background(), "s2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want %v", err, ErrNotFound)
	}

	d.Put(Appointment{ID: "s2", PatientID: "p2", DoctorID: "d2"})
	if _, err := d.GetSession(context.Background(), "s2"); err != nil {
		t.Fatalf("GetSession after Put: %v", err)
	}
}

func TestLoadDirectoryRejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appointments.json")
	_ = os.WriteFile(path, []byte(`[{"patientId":"p1"}]`), 0o600)
	if _, err := LoadDirectory(path); err == nil {
		t.Fatalf("expected error")
	}
}
