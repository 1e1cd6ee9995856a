package storage

import "time"

// Entry is the value shape shared by the embedded backends. Counters use
// Count, bindings use Value and ledger entries only need ExpiresAt.
type Entry struct {
	Value     string    `json:"value,omitempty"`
	Count     int64     `json:"count,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is no longer live at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// NewEntry returns an entry that expires ttl after now.
func NewEntry(now time.Time, ttl time.Duration) Entry {
	return Entry{ExpiresAt: now.Add(ttl)}
}

// WindowExpiry returns when a counter for key may be discarded.
func WindowExpiry(key WindowKey, window time.Duration) time.Time {
	return key.WindowStart.Add(window)
}
