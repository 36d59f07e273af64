// Package l4tracks owns Layer 4 (Tracks) of the fusion data model.
//
// Responsibilities: tracking-by-association of anonymous 3D estimates,
// stable id allocation, track lifecycle (tentative, confirmed, lost) and
// finite-difference velocity.
// Key types: Aggregator, Obstacle, TrackerConfig.
//
// Dependency rule: L4 may depend on L1-L3, but never on the pipeline.
// The Aggregator is the exclusive owner of the live obstacle set.
package l4tracks
