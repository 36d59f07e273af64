// Package l3association owns Layer 3 (Association) of the fusion data model.
//
// Responsibilities: selecting the projected LIDAR points that fall inside
// each 2D detection and resolving them into a representative 3D position
// and extent.
// Key types: Estimate, Config, Stats.
//
// Dependency rule: L3 may depend on L1-L2, but never on L4+.
// Boxes are processed independently; no deduplication happens here.
package l3association
