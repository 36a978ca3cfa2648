// Package reactor provides the generic, hertz-limited pump-loop
// supervisor used by the transport runtime's read threads.
package reactor
