// Package l2projection owns Layer 2 (Projection) of the fusion data model.
//
// Responsibilities: camera calibration (pinhole intrinsics and the camera
// mount on the ego vehicle) and projecting point clouds into image pixels.
// Key types: CameraCalibration, Projected.
//
// Dependency rule: L2 may depend on L1, but never on L3+.
// Projection is pure: no state is kept between calls.
package l2projection
