package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/obstacle-fusion/internal/fusion/l1sensors"
	"github.com/banshee-data/obstacle-fusion/internal/telemetry"
)

// Topics consumed and produced by the fusion node.
const (
	TopicImage     = "image"
	TopicBBox      = "bbox"
	TopicLidarPC   = "lidar_pc"
	TopicPosition  = "position"
	TopicObstacles = "obstacles"
)

// Message is one delivery from the orchestration substrate.
type Message struct {
	Topic     string
	Tick      uint64
	Timestamp time.Time
	Data      []byte
}

// NodeConfig holds dependencies for a Node.
type NodeConfig struct {
	Stage *FusionStage
	// Detector handles the image topic. When nil, images are ignored and
	// boxes are expected on the bbox topic.
	Detector Detector
	// MailboxSize bounds the pending detection work. When full, the oldest
	// pending item is dropped. Defaults to 4.
	MailboxSize int
	// ImageWidth and ImageHeight describe images on the image topic.
	ImageWidth  int
	ImageHeight int
	Metrics     *telemetry.Metrics // Optional
}

type work struct {
	msg   Message
	boxes []l1sensors.BoundingBox2D // decoded bbox payload
}

// Node adapts message delivery to the fusion stage. Geometry goes straight
// into the frame store; detection work is queued in a bounded mailbox and
// processed by Run so Deliver never blocks.
type Node struct {
	cfg NodeConfig

	mu      sync.Mutex
	mailbox []work
	wake    chan struct{}

	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewNode creates a node around an existing stage.
func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Stage == nil {
		return nil, fmt.Errorf("fusion node requires a stage")
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 4
	}
	if cfg.ImageWidth <= 0 || cfg.ImageHeight <= 0 {
		in := cfg.Stage.Calibration().Intrinsics
		cfg.ImageWidth, cfg.ImageHeight = in.Width, in.Height
	}
	return &Node{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}, nil
}

// Deliver accepts one message without blocking. Malformed payloads are
// dropped and reported; the error is informational only.
func (n *Node) Deliver(msg Message) error {
	switch msg.Topic {
	case TopicLidarPC:
		points, err := l1sensors.DecodePointCloud(msg.Data)
		if err != nil {
			return n.malformed(msg, err)
		}
		err = n.cfg.Stage.OnPointCloud(msg.Tick, msg.Timestamp, points)
		n.cfg.Metrics.RecordMessage(msg.Topic, telemetry.MessageAccepted)
		return err

	case TopicPosition:
		pose, err := l1sensors.DecodePose(msg.Tick, msg.Timestamp, msg.Data)
		if err != nil {
			return n.malformed(msg, err)
		}
		if err := n.cfg.Stage.OnPose(pose); err != nil {
			return n.malformed(msg, err)
		}
		n.cfg.Metrics.RecordMessage(msg.Topic, telemetry.MessageAccepted)
		return nil

	case TopicBBox:
		boxes, err := l1sensors.DecodeBoxes(msg.Data)
		if err != nil {
			return n.malformed(msg, err)
		}
		n.enqueue(work{msg: msg, boxes: boxes})
		return nil

	case TopicImage:
		if n.cfg.Detector == nil {
			n.cfg.Metrics.RecordMessage(msg.Topic, telemetry.MessageIgnored)
			return nil
		}
		n.enqueue(work{msg: msg})
		return nil

	default:
		n.cfg.Metrics.RecordMessage(msg.Topic, telemetry.MessageIgnored)
		return fmt.Errorf("unknown topic %q", msg.Topic)
	}
}

func (n *Node) malformed(msg Message, err error) error {
	opsf("%s tick %d dropped: %v", msg.Topic, msg.Tick, err)
	n.cfg.Metrics.RecordMessage(msg.Topic, telemetry.MessageMalformed)
	return err
}

// enqueue appends work, evicting the oldest item when the mailbox is full.
func (n *Node) enqueue(w work) {
	n.mu.Lock()
	if len(n.mailbox) >= n.cfg.MailboxSize {
		evicted := n.mailbox[0]
		n.mailbox = n.mailbox[1:]
		n.dropped.Add(1)
		n.cfg.Metrics.RecordMessage(evicted.msg.Topic, telemetry.MessageDropped)
		diagf("mailbox full: dropped %s tick %d", evicted.msg.Topic, evicted.msg.Tick)
	}
	n.mailbox = append(n.mailbox, w)
	n.mu.Unlock()

	n.cfg.Metrics.RecordMessage(w.msg.Topic, telemetry.MessageAccepted)
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Node) next() (work, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.mailbox) == 0 {
		return work{}, false
	}
	w := n.mailbox[0]
	n.mailbox = n.mailbox[1:]
	return w, true
}

// Pending returns the number of queued detection items.
func (n *Node) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.mailbox)
}

// Dropped returns how many queued items were evicted.
func (n *Node) Dropped() uint64 { return n.dropped.Load() }

// Processed returns how many cycles the node has run.
func (n *Node) Processed() uint64 { return n.processed.Load() }

// ProcessPending runs a cycle for every queued item and returns how many
// ran. Cycle errors are logged by the stage and do not stop processing.
func (n *Node) ProcessPending(ctx context.Context) int {
	count := 0
	for {
		w, ok := n.next()
		if !ok {
			return count
		}
		n.process(ctx, w)
		count++
	}
}

// Run processes queued work until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	for {
		n.ProcessPending(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.wake:
		}
	}
}

func (n *Node) process(ctx context.Context, w work) {
	boxes := w.boxes
	source := w.msg.Topic + "/" + strconv.FormatUint(w.msg.Tick, 10)

	if w.msg.Topic == TopicImage {
		img := Image{
			Tick:      w.msg.Tick,
			Timestamp: w.msg.Timestamp,
			Source:    source,
			Width:     n.cfg.ImageWidth,
			Height:    n.cfg.ImageHeight,
			Pixels:    w.msg.Data,
		}
		detected, err := n.cfg.Detector.Detect(ctx, img)
		if err != nil {
			opsf("detector failed on tick %d: %v", w.msg.Tick, err)
			return
		}
		boxes = detected
	}

	batch := l1sensors.NewBoxBatch(w.msg.Tick, w.msg.Timestamp, source, boxes)
	if _, err := n.cfg.Stage.OnCycle(ctx, batch); err != nil {
		diagf("cycle for tick %d: %v", w.msg.Tick, err)
	}
	n.processed.Add(1)
}
