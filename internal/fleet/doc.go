// Package fleet drives a fleet of channel connections against a live
// endpoint: it ramps up N connections on a fixed schedule, holds them, closes
// them, and reports whether the connected share met the success threshold.
package fleet
