package session

import (
	"sort"
	"sync"
	"time"

	"cardboardhrv/internal/protocol"
)

// Pair holds the canonical device of each role.
type Pair struct {
	Mobile  protocol.DeviceRecord
	Desktop protocol.DeviceRecord
}

// Transition describes a change of the derived pairing state.
type Transition struct {
	From State
	To   State
	// Pair is set when To is StateConnected.
	Pair *Pair
	// Lost is the counterpart that disappeared when leaving StateConnected.
	Lost *protocol.DeviceRecord

	MobilePresent  bool
	DesktopPresent bool
}

type entry struct {
	rec   protocol.DeviceRecord
	order uint64
}

// Directory tracks which devices are registered for a session as seen by the
// local client and derives pairing transitions from that membership.
type Directory struct {
	mu         sync.RWMutex
	localID    string
	localRole  protocol.Role
	registered bool
	devices    map[string]entry
	order      uint64
	state      State
	pair       *Pair
}

func NewDirectory() *Directory {
	return &Directory{
		devices: make(map[string]entry),
		state:   StateDisconnected,
	}
}

// RegisterLocal records the local device's own registration.
func (d *Directory) RegisterLocal(rec protocol.DeviceRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.localID = rec.DeviceID
	d.localRole = rec.Role
	d.registered = true
	d.upsertLocked(rec)
}

// Upsert adds or refreshes a device record. It reports whether membership
// or registration order changed.
func (d *Directory) Upsert(rec protocol.DeviceRecord) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.upsertLocked(rec)
}

func (d *Directory) upsertLocked(rec protocol.DeviceRecord) bool {
	if rec.DeviceID == "" || !rec.Role.Valid() {
		return false
	}
	if rec.ConnectionState == "" {
		rec.ConnectionState = protocol.DeviceOnline
	}

	existing, ok := d.devices[rec.DeviceID]
	if !ok {
		if rec.RegisteredAt == 0 {
			rec.RegisteredAt = rec.LastSeen
		}
		d.order++
		d.devices[rec.DeviceID] = entry{rec: rec, order: d.order}
		return true
	}

	changed := false
	if rec.RegisteredAt == 0 {
		rec.RegisteredAt = existing.rec.RegisteredAt
	}
	if rec.RegisteredAt != existing.rec.RegisteredAt || rec.Role != existing.rec.Role {
		d.order++
		existing.order = d.order
		changed = true
	}
	if rec.LastSeen < existing.rec.LastSeen {
		rec.LastSeen = existing.rec.LastSeen
	}
	existing.rec = rec
	d.devices[rec.DeviceID] = existing
	return changed
}

// Remove drops a remote device. The local record can only be cleared by Reset.
func (d *Directory) Remove(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if deviceID == d.localID {
		return false
	}
	if _, ok := d.devices[deviceID]; !ok {
		return false
	}
	delete(d.devices, deviceID)
	return true
}

// Replace applies a full directory read. Remote devices missing from the
// snapshot are removed; the local record is kept.
func (d *Directory) Replace(snapshot []protocol.DeviceRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[string]bool, len(snapshot))
	for _, rec := range snapshot {
		seen[rec.DeviceID] = true
		if rec.DeviceID == d.localID {
			continue
		}
		d.upsertLocked(rec)
	}
	for id := range d.devices {
		if id != d.localID && !seen[id] {
			delete(d.devices, id)
		}
	}
}

// Expire removes remote devices not seen within timeout of now (epoch ms).
func (d *Directory) Expire(now int64, timeout time.Duration) []protocol.DeviceRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now - timeout.Milliseconds()
	var expired []protocol.DeviceRecord
	for id, e := range d.devices {
		if id == d.localID {
			continue
		}
		if e.rec.LastSeen < cutoff {
			expired = append(expired, e.rec)
			delete(d.devices, id)
		}
	}
	return expired
}

// Evaluate derives the pairing state from current membership and returns a
// transition only if it differs from the last one returned.
func (d *Directory) Evaluate() (Transition, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	mobile, hasMobile := d.canonicalLocked(protocol.RoleMobile)
	desktop, hasDesktop := d.canonicalLocked(protocol.RoleDesktop)

	next := StateDisconnected
	var pair *Pair
	if d.registered {
		next = StateConnecting
		if hasMobile && hasDesktop {
			next = StateConnected
			pair = &Pair{Mobile: mobile, Desktop: desktop}
		}
	}

	if next == d.state && !pairChanged(d.pair, pair) {
		return Transition{}, false
	}

	t := Transition{
		From:           d.state,
		To:             next,
		Pair:           pair,
		MobilePresent:  hasMobile,
		DesktopPresent: hasDesktop,
	}
	if d.state == StateConnected && next != StateConnected && d.pair != nil {
		lost := d.counterpartOf(d.pair)
		t.Lost = &lost
	}

	d.state = next
	d.pair = pair
	return t, true
}

func pairChanged(a, b *Pair) bool {
	if a == nil || b == nil {
		return a != b
	}
	return a.Mobile.DeviceID != b.Mobile.DeviceID || a.Desktop.DeviceID != b.Desktop.DeviceID
}

func (d *Directory) counterpartOf(p *Pair) protocol.DeviceRecord {
	if d.localRole == protocol.RoleMobile {
		return p.Desktop
	}
	return p.Mobile
}

// canonicalLocked picks the most recently registered device of a role.
func (d *Directory) canonicalLocked(role protocol.Role) (protocol.DeviceRecord, bool) {
	var best entry
	found := false
	for _, e := range d.devices {
		if e.rec.Role != role {
			continue
		}
		if !found || newer(e, best) {
			best = e
			found = true
		}
	}
	return best.rec, found
}

func newer(a, b entry) bool {
	if a.rec.RegisteredAt != b.rec.RegisteredAt {
		return a.rec.RegisteredAt > b.rec.RegisteredAt
	}
	return a.order > b.order
}

// Counterpart returns the canonical device of the opposite role while paired.
func (d *Directory) Counterpart() (protocol.DeviceRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.state != StateConnected || d.pair == nil {
		return protocol.DeviceRecord{}, false
	}
	return d.counterpartOf(d.pair), true
}

func (d *Directory) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Devices returns the known records ordered by registration.
func (d *Directory) Devices() []protocol.DeviceRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries := make([]entry, 0, len(d.devices))
	for _, e := range d.devices {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return newer(entries[j], entries[i]) })

	out := make([]protocol.DeviceRecord, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}

// Reset forgets every record and returns the directory to disconnected.
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.devices = make(map[string]entry)
	d.registered = false
	d.localID = ""
	d.localRole = ""
	d.state = StateDisconnected
	d.pair = nil
}
