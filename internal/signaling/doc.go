// Package signaling is the participant side of the consultation signaling
// path: the JSON envelope every party speaks and a Channel that keeps one
// participant joined to its session through the relay across network loss.
package signaling
