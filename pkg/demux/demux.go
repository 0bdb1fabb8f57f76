// Package demux implements a per-socket source-address demultiplexer:
// a thread-safe (remote_ip, remote_port) -> stream lookup consulted on
// every inbound datagram, one lock per socket's demuxer.
package demux

import (
	"fmt"
	"sync"
)

// key is the (remote_ip, remote_port) pair a demuxer entry is filed
// under. The zero key ("", 0) is the wildcard entry: "accept any source
// and assign it to this stream".
type key struct {
	ip   string
	port int
}

// Demuxer maps (remote_ip, remote_port) to an opaque stream reference.
// One Demuxer exists per RTP or RTCP socket.
type Demuxer struct {
	mu      sync.RWMutex
	entries map[key]interface{}
}

// New creates an empty Demuxer.
func New() *Demuxer {
	return &Demuxer{entries: make(map[key]interface{})}
}

// Register files streamRef under (remoteIP, remotePort). An empty
// remoteIP with remotePort==0 registers the wildcard entry.
func (d *Demuxer) Register(remoteIP string, remotePort int, streamRef interface{}) error {
	k := key{remoteIP, remotePort}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.entries[k]; exists {
		return fmt.Errorf("demux: key (%s,%d) already registered", remoteIP, remotePort)
	}
	d.entries[k] = streamRef
	return nil
}

// Unregister removes the entry for (remoteIP, remotePort), if present.
func (d *Demuxer) Unregister(remoteIP string, remotePort int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key{remoteIP, remotePort})
}

// Get looks up the stream reference for (remoteIP, remotePort), falling
// back to the wildcard entry if no exact match exists.
func (d *Demuxer) Get(remoteIP string, remotePort int) (interface{}, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if ref, ok := d.entries[key{remoteIP, remotePort}]; ok {
		return ref, true
	}
	ref, ok := d.entries[key{"", 0}]
	return ref, ok
}

// Contains reports whether exactly (remoteIP, remotePort) is registered
// (no wildcard fallback) — this is the exact-match test
// pkg/udppool uses to decide pair-reuse safety.
func (d *Demuxer) Contains(remoteIP string, remotePort int) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entries[key{remoteIP, remotePort}]
	return ok
}
