package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/csi-sense/internal/monitoring"
)

// PacketStatsInterface records receive loop activity.
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddDropped()
	AddDecodeError()
	AddFrame()
	LogStats()
}

// PacketStats tracks packet statistics with thread-safe operations.
type PacketStats struct {
	mu           sync.Mutex
	packetCount  int64
	byteCount    int64
	droppedCount int64
	decodeErrors int64
	frameCount   int64
	lastReset    time.Time
}

// NewPacketStats creates a new PacketStats instance.
func NewPacketStats() *PacketStats {
	return &PacketStats{lastReset: time.Now()}
}

// AddPacket counts one received datagram.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
}

// AddDropped counts a datagram or frame that was discarded.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.droppedCount++
}

// AddDecodeError counts a payload the station decoder rejected.
func (ps *PacketStats) AddDecodeError() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.decodeErrors++
}

// AddFrame counts a decoded frame handed to consumers.
func (ps *PacketStats) AddFrame() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.frameCount++
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Packets      int64
	Bytes        int64
	Dropped      int64
	DecodeErrors int64
	Frames       int64
	Duration     time.Duration
}

// GetAndReset returns the current counters and resets them.
func (ps *PacketStats) GetAndReset() Snapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	s := Snapshot{
		Packets:      ps.packetCount,
		Bytes:        ps.byteCount,
		Dropped:      ps.droppedCount,
		DecodeErrors: ps.decodeErrors,
		Frames:       ps.frameCount,
		Duration:     now.Sub(ps.lastReset),
	}
	ps.packetCount, ps.byteCount, ps.droppedCount, ps.decodeErrors, ps.frameCount = 0, 0, 0, 0, 0
	ps.lastReset = now
	return s
}

// LogStats logs per-second rates since the last call and resets.
func (ps *PacketStats) LogStats() {
	s := ps.GetAndReset()
	if s.Packets == 0 && s.Dropped == 0 {
		return
	}
	secs := s.Duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	msg := fmt.Sprintf("CSI stats (/sec): %.1f packets, %s, %.1f frames (%s packets in %s)",
		float64(s.Packets)/secs, humanize.Bytes(uint64(float64(s.Bytes)/secs)), float64(s.Frames)/secs,
		humanize.Comma(s.Packets), s.Duration.Round(time.Second))
	if s.DecodeErrors > 0 {
		msg += fmt.Sprintf(", %d decode errors", s.DecodeErrors)
	}
	if s.Dropped > 0 {
		msg += fmt.Sprintf(", %d dropped", s.Dropped)
	}
	monitoring.Infof("%s", msg)
}

// noopStats is used when no collector is supplied.
type noopStats struct{}

func (noopStats) AddPacket(int)   {}
func (noopStats) AddDropped()     {}
func (noopStats) AddDecodeError() {}
func (noopStats) AddFrame()       {}
func (noopStats) LogStats()       {}
