// Package monitor serves the fusion debug HTTP surface: live obstacle
// JSON, a bird's-eye scatter (go-echarts) and PNG plot (gonum/plot), the
// prometheus endpoint and, when a recorder database is attached, the
// tailsql console. It is a debugging aid only and has no auth.
package monitor
