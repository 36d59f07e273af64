package l1sensors

import (
	"sort"
	"sync"
	"time"
)

type pendingCloud struct {
	timestamp time.Time
	points    []Point
}

// FrameStore pairs point clouds with the pose of the same tick and keeps
// the most recent complete frames for temporal alignment.
//
// Point clouds and poses arrive on independent topics and may interleave in
// any order. A frame is published only when both halves of one tick have
// been received, so a frame never mixes the pose of tick N with the cloud of
// tick N-1. Halves for ticks at or before the newest published frame are
// stale and discarded, unless they are timestamped after that frame: the
// producer's tick counter went backwards (agent restart) and the store
// accepts the new sequence instead of wedging on the old frame.
//
// Published frames are immutable snapshots: readers may hold them across a
// concurrent Put without copying.
type FrameStore struct {
	mu sync.RWMutex

	depth  int
	frames []*PointCloudFrame // ascending by Timestamp

	pendingClouds map[uint64]pendingCloud
	pendingPoses  map[uint64]Pose

	newestTick uint64
	newestTS   time.Time
	published  bool
	discarded  uint64
	resets     uint64
}

// NewFrameStore creates a store retaining up to depth complete frames.
func NewFrameStore(depth int) *FrameStore {
	if depth < 1 {
		depth = 1
	}
	return &FrameStore{
		depth:         depth,
		pendingClouds: make(map[uint64]pendingCloud),
		pendingPoses:  make(map[uint64]Pose),
	}
}

// PutPointCloud records the cloud half of a tick. The points slice is copied.
// It returns the published frame when this completes the tick.
func (s *FrameStore) PutPointCloud(tick uint64, ts time.Time, points []Point) (*PointCloudFrame, bool) {
	owned := make([]Point, len(points))
	copy(owned, points)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isStale(tick, ts) {
		s.discarded++
		return nil, false
	}
	if pose, ok := s.pendingPoses[tick]; ok {
		delete(s.pendingPoses, tick)
		return s.publish(tick, ts, owned, pose), true
	}
	s.pendingClouds[tick] = pendingCloud{timestamp: ts, points: owned}
	s.prunePending()
	return nil, false
}

// PutPose records the pose half of a tick. It returns the published frame
// when this completes the tick.
func (s *FrameStore) PutPose(pose Pose) (*PointCloudFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isStale(pose.Tick, pose.Timestamp) {
		s.discarded++
		return nil, false
	}
	if cloud, ok := s.pendingClouds[pose.Tick]; ok {
		delete(s.pendingClouds, pose.Tick)
		return s.publish(pose.Tick, cloud.timestamp, cloud.points, pose), true
	}
	s.pendingPoses[pose.Tick] = pose
	s.prunePending()
	return nil, false
}

// isStale reports whether a half for tick belongs to an already superseded
// frame. A lower tick carrying a newer timestamp restarts the tick sequence:
// unmatched halves of the old sequence are dropped and the half is accepted.
func (s *FrameStore) isStale(tick uint64, ts time.Time) bool {
	if !s.published || tick > s.newestTick {
		return false
	}
	if !ts.After(s.newestTS) {
		return true
	}
	s.discarded += uint64(len(s.pendingClouds) + len(s.pendingPoses))
	clear(s.pendingClouds)
	clear(s.pendingPoses)
	s.published = false
	s.resets++
	return false
}

func (s *FrameStore) publish(tick uint64, ts time.Time, points []Point, pose Pose) *PointCloudFrame {
	frame := &PointCloudFrame{Tick: tick, Timestamp: ts, Points: points, Pose: pose}

	// Ticks are monotonic but timestamps come from the agent; keep the
	// history sorted by timestamp so At() can scan backwards.
	idx := sort.Search(len(s.frames), func(i int) bool {
		return s.frames[i].Timestamp.After(ts)
	})
	s.frames = append(s.frames, nil)
	copy(s.frames[idx+1:], s.frames[idx:])
	s.frames[idx] = frame
	if len(s.frames) > s.depth {
		s.frames = append([]*PointCloudFrame(nil), s.frames[len(s.frames)-s.depth:]...)
	}

	s.newestTick = tick
	if ts.After(s.newestTS) {
		s.newestTS = ts
	}
	s.published = true
	for t := range s.pendingClouds {
		if t <= tick {
			delete(s.pendingClouds, t)
			s.discarded++
		}
	}
	for t := range s.pendingPoses {
		if t <= tick {
			delete(s.pendingPoses, t)
			s.discarded++
		}
	}
	return frame
}

// prunePending bounds the unmatched halves so a topic that stops
// delivering cannot grow the store without limit.
func (s *FrameStore) prunePending() {
	limit := 2 * s.depth
	for len(s.pendingClouds) > limit {
		delete(s.pendingClouds, minKey(s.pendingClouds))
		s.discarded++
	}
	for len(s.pendingPoses) > limit {
		delete(s.pendingPoses, minKey(s.pendingPoses))
		s.discarded++
	}
}

func minKey[V any](m map[uint64]V) uint64 {
	first := true
	var min uint64
	for k := range m {
		if first || k < min {
			min = k
			first = false
		}
	}
	return min
}

// At returns the most recent complete frame whose timestamp is at or before
// ts (last value wins). ok is false when no such frame exists.
func (s *FrameStore) At(ts time.Time) (*PointCloudFrame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if !s.frames[i].Timestamp.After(ts) {
			return s.frames[i], true
		}
	}
	return nil, false
}

// Latest returns the newest complete frame.
func (s *FrameStore) Latest() (*PointCloudFrame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.frames) == 0 {
		return nil, false
	}
	return s.frames[len(s.frames)-1], true
}

// Len returns the number of complete frames retained.
func (s *FrameStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}

// Resets returns how many times the tick sequence restarted.
func (s *FrameStore) Resets() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resets
}

// Discarded returns how many stale or unpaired halves were dropped.
func (s *FrameStore) Discarded() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.discarded
}
