// Package scheduling looks up the appointment behind a consultation session.
package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("scheduling: session not found")

// Appointment is the scheduled consultation a session belongs to.
type Appointment struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patientId"`
	DoctorID  string    `json:"doctorId"`
	StartTime time.Time `json:"startTime"`
	Type      string    `json:"type"`
}

// Service resolves a session id to its appointment.
type Service interface {
	GetSession(ctx context.Context, id string) (Appointment, error)
}

// HTTPClient talks to the scheduling service over HTTP.
type HTTPClient struct {
	base   *url.URL
	client *http.Client
}

func NewHTTPClient(baseURL string, client *http.Client) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("scheduling: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheduling: base url must be http(s), got %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{base: u, client: client}, nil
}

// GetSession calls GET {base}/sessions/{id}.
func (c *HTTPClient) GetSession(ctx context.Context, id string) (Appointment, error) {
	u := c.base.JoinPath("sessions", id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Appointment{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Appointment{}, fmt.Errorf("scheduling: get session %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Appointment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case resp.StatusCode != http.StatusOK:
		return Appointment{}, fmt.Errorf("scheduling: get session %s: unexpected status %s", id, resp.Status)
	}

	var appt Appointment
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&appt); err != nil {
		return Appointment{}, fmt.Errorf("scheduling: decode session %s: %w", id, err)
	}
	if appt.ID == "" {
		appt.ID = id
	}
	return appt, nil
}

// Directory is an in-memory Service, optionally loaded from a JSON file
// holding an array of appointments.
type Directory struct {
	mu    sync.RWMutex
	appts map[string]Appointment
}

func NewDirectory(appts ...Appointment) *Directory {
	d := &Directory{appts: make(map[string]Appointment, len(appts))}
	for _, a := range appts {
		d.appts[a.ID] = a
	}
	return d
}

func LoadDirectory(path string) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scheduling: read directory: %w", err)
	}
	var appts []Appointment
	if err := json.Unmarshal(raw, &appts); err != nil {
		return nil, fmt.Errorf("scheduling: parse directory %s: %w", path, err)
	}
	for i, a := range appts {
		if a.ID == "" {
			return nil, fmt.Errorf("scheduling: directory entry %d has no id", i)
		}
	}
	return NewDirectory(appts...), nil
}

func (d *Directory) Put(a Appointment) {
	d.mu.Lock()
	d.appts[a.ID] = a
	d.mu.Unlock()
}

func (d *Directory) GetSession(_ context.Context, id string) (Appointment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.appts[id]
	if !ok {
		return Appointment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}
