package realtime

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// PresenceStatus is a user's live state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// ErrInvalidPresence indicates an unknown presence status.
var ErrInvalidPresence = errors.New("realtime: invalid presence status")

// PresenceEntry is the tracked presence of one user.
type PresenceEntry struct {
	UserID   string          `json:"user_id"`
	DeviceID string          `json:"device_id"`
	Status   PresenceStatus  `json:"status"`
	Location json.RawMessage `json:"location,omitempty"`
	LastSeen time.Time       `json:"last_seen"`
	Projects []string        `json:"-"`
	autoAway bool
}

// PresenceTracker is the process-scoped presence map keyed by user.
type PresenceTracker struct {
	mu        sync.Mutex
	entries   map[string]*PresenceEntry
	awayAfter time.Duration
	retention time.Duration
}

// NewPresenceTracker builds a tracker with the inactivity and retention windows.
func NewPresenceTracker(awayAfter, retention time.Duration) *PresenceTracker {
	if awayAfter <= 0 {
		awayAfter = 5 * time.Minute
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &PresenceTracker{entries: make(map[string]*PresenceEntry), awayAfter: awayAfter, retention: retention}
}

// Connect marks the user online from the device.
func (t *PresenceTracker) Connect(userID, deviceID string, projects []string, now time.Time) PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.upsertLocked(userID)
	entry.DeviceID = deviceID
	entry.Status = PresenceOnline
	entry.LastSeen = now
	entry.Projects = append([]string(nil), projects...)
	entry.autoAway = false
	return entry.clone()
}

// Update applies an explicit presence:update.
func (t *PresenceTracker) Update(userID, deviceID string, status PresenceStatus, location json.RawMessage, now time.Time) (PresenceEntry, error) {
	switch status {
	case PresenceOnline, PresenceAway:
	default:
		return PresenceEntry{}, ErrInvalidPresence
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.upsertLocked(userID)
	entry.DeviceID = deviceID
	entry.Status = status
	entry.LastSeen = now
	entry.autoAway = false
	if len(location) > 0 {
		entry.Location = append(json.RawMessage(nil), location...)
	}
	return entry.clone(), nil
}

// Touch records activity. An entry that was downgraded automatically returns
// to online; the boolean reports that transition.
func (t *PresenceTracker) Touch(userID string, now time.Time) (PresenceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[userID]
	if !ok {
		return PresenceEntry{}, false
	}
	entry.LastSeen = now
	if entry.autoAway && entry.Status == PresenceAway {
		entry.Status = PresenceOnline
		entry.autoAway = false
		return entry.clone(), true
	}
	return entry.clone(), false
}

// Offline marks the user offline after their last connection closed.
func (t *PresenceTracker) Offline(userID string, now time.Time) (PresenceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[userID]
	if !ok {
		return PresenceEntry{}, false
	}
	entry.Status = PresenceOffline
	entry.LastSeen = now
	entry.autoAway = false
	return entry.clone(), true
}

// Sweep downgrades idle online users to away and prunes stale non-online
// entries. It returns the downgraded entries.
func (t *PresenceTracker) Sweep(now time.Time) []PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var downgraded []PresenceEntry
	for userID, entry := range t.entries {
		idle := now.Sub(entry.LastSeen)
		switch {
		case entry.Status == PresenceOnline && idle >= t.awayAfter:
			entry.Status = PresenceAway
			entry.autoAway = true
			downgraded = append(downgraded, entry.clone())
		case entry.Status != PresenceOnline && idle >= t.retention:
			delete(t.entries, userID)
		}
	}
	sort.Slice(downgraded, func(i, j int) bool { return downgraded[i].UserID < downgraded[j].UserID })
	return downgraded
}

// Get returns the user's presence.
func (t *PresenceTracker) Get(userID string) (PresenceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[userID]
	if !ok {
		return PresenceEntry{}, false
	}
	return entry.clone(), true
}

// Snapshot lists presence for users sharing any of the projects, by user id.
func (t *PresenceTracker) Snapshot(projects []string) []PresenceEntry {
	wanted := make(map[string]bool, len(projects))
	for _, project := range projects {
		wanted[project] = true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := []PresenceEntry{}
	for _, entry := range t.entries {
		for _, project := range entry.Projects {
			if wanted[project] {
				snapshot = append(snapshot, entry.clone())
				break
			}
		}
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].UserID < snapshot[j].UserID })
	return snapshot
}

func (t *PresenceTracker) upsertLocked(userID string) *PresenceEntry {
	entry, ok := t.entries[userID]
	if !ok {
		entry = &PresenceEntry{UserID: userID}
		t.entries[userID] = entry
	}
	return entry
}

func (e *PresenceEntry) clone() PresenceEntry {
	clone := *e
	clone.Location = append(json.RawMessage(nil), e.Location...)
	clone.Projects = append([]string(nil), e.Projects...)
	return clone
}
