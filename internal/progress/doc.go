// Package progress holds the shared progress-event vocabulary: status
// enums, the Event struct emitted by the publisher, and the Frame JSON
// shape consumed by gateway clients. Every other package speaks in these
// types; none of them redefine their own event shapes.
package progress
