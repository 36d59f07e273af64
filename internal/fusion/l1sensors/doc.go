// Package l1sensors owns Layer 1 (Sensors) of the fusion data model.
//
// Responsibilities: the immutable sensor records delivered by the agent and
// the detector (Pose, PointCloudFrame, BoundingBox2D), their shape
// validation, the raw byte codecs used on the wire, and the FrameStore that
// pairs point clouds with poses of the same tick.
// Key types: Pose, Point, PointCloudFrame, BoundingBox2D, FrameStore.
//
// Dependency rule: L1 depends on no other fusion layer.
// No SQL/database code is allowed in this package.
package l1sensors
