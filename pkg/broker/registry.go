package broker

import "sort"

// registry is the authoritative membership mapping: mission → member devices
// (with their channels) forward, device → missions reverse. The reverse index
// makes disconnect cleanup O(missions the device is in).
//
// The registry carries no lock of its own: it is mutated exclusively by the
// Broker under its mutex, which is what preserves the notify-after-mutate
// ordering of presence changes.
type registry struct {
	missions map[string]map[string]Channel // forward: mission → deviceId → channel
	devices  map[string]map[string]bool    // reverse: deviceId → set of missions
}

func newRegistry() *registry {
	return &registry{
		missions: make(map[string]map[string]Channel),
		devices:  make(map[string]map[string]bool),
	}
}

// addMember is idempotent: re-adding a present member is a no-op.
func (r *registry) addMember(mission, deviceID string, ch Channel) {
	if r.missions[mission] == nil {
		r.missions[mission] = make(map[string]Channel)
	}
	r.missions[mission][deviceID] = ch
	if r.devices[deviceID] == nil {
		r.devices[deviceID] = make(map[string]bool)
	}
	r.devices[deviceID][mission] = true
}

// removeMember is idempotent: removing an absent member is a no-op.
func (r *registry) removeMember(mission, deviceID string) {
	if members, ok := r.missions[mission]; ok {
		delete(members, deviceID)
		if len(members) == 0 {
			delete(r.missions, mission)
		}
	}
	if missions, ok := r.devices[deviceID]; ok {
		delete(missions, mission)
		if len(missions) == 0 {
			delete(r.devices, deviceID)
		}
	}
}

// members returns the device identifiers currently in a mission, sorted for
// stable snapshots.
func (r *registry) members(mission string) []string {
	members := r.missions[mission]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// channels returns the member channels of a mission in no particular order.
func (r *registry) channels(mission string) []Channel {
	members := r.missions[mission]
	if len(members) == 0 {
		return nil
	}
	out := make([]Channel, 0, len(members))
	for _, ch := range members {
		out = append(out, ch)
	}
	return out
}

// channelFor resolves the channel of one device inside one mission.
func (r *registry) channelFor(mission, deviceID string) (Channel, bool) {
	ch, ok := r.missions[mission][deviceID]
	return ch, ok
}

// isMember reports whether deviceID is currently in mission.
func (r *registry) isMember(mission, deviceID string) bool {
	_, ok := r.missions[mission][deviceID]
	return ok
}

// removeFromAll removes a device from every mission it is in and returns the
// affected missions.
func (r *registry) removeFromAll(deviceID string) []string {
	missions, ok := r.devices[deviceID]
	if !ok {
		return nil
	}
	affected := make([]string, 0, len(missions))
	for mission := range missions {
		affected = append(affected, mission)
		if members, ok := r.missions[mission]; ok {
			delete(members, deviceID)
			if len(members) == 0 {
				delete(r.missions, mission)
			}
		}
	}
	delete(r.devices, deviceID)
	sort.Strings(affected)
	return affected
}

// totalMemberships counts (mission, device) pairs, for the gauge.
func (r *registry) totalMemberships() int {
	total := 0
	for _, members := range r.missions {
		total += len(members)
	}
	return total
}
