// Package pipeline provides orchestration for the obstacle fusion stage.
//
// It wires together L1-L4 (frame store, projection, association,
// aggregation) and adapter sinks (recorder, encoded topic, JSON lines) into
// one processing flow per detection cycle, for both live delivery and
// replay. The pipeline does not own domain logic; it delegates to the layer
// packages and adapters.
package pipeline
