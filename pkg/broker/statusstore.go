package broker

import "github.com/LiorVainer/mission-center/pkg/protocol"

// StatusEntry is the last known status of one device inside one mission.
type StatusEntry struct {
	Status    protocol.DeviceStatus
	Timestamp int64
}

// statusStore keeps only the most recent status per (mission, device) pair.
// Writes replace; the append-only display log lives client-side in the
// projection. Entries are purged when the device leaves the mission, so the
// store never holds a pair that is not a current member.
//
// Like the registry, the store has no lock of its own and is mutated only
// under the Broker mutex.
type statusStore struct {
	entries map[string]map[string]StatusEntry // mission → deviceId → entry
}

func newStatusStore() *statusStore {
	return &statusStore{entries: make(map[string]map[string]StatusEntry)}
}

// put replaces the stored entry for (mission, device). Last write wins;
// arrival order decides, not the client timestamp.
func (s *statusStore) put(mission, deviceID string, entry StatusEntry) {
	if s.entries[mission] == nil {
		s.entries[mission] = make(map[string]StatusEntry)
	}
	s.entries[mission][deviceID] = entry
}

func (s *statusStore) get(mission, deviceID string) (StatusEntry, bool) {
	entry, ok := s.entries[mission][deviceID]
	return entry, ok
}

// purge drops the entry for (mission, device), if any.
func (s *statusStore) purge(mission, deviceID string) {
	if devices, ok := s.entries[mission]; ok {
		delete(devices, deviceID)
		if len(devices) == 0 {
			delete(s.entries, mission)
		}
	}
}

// size counts stored entries, for tests and the gauge.
func (s *statusStore) size() int {
	total := 0
	for _, devices := range s.entries {
		total += len(devices)
	}
	return total
}
