// Package pool provides the runtime's reusable-allocation helpers: a
// byte-buffer manager segmented by an opaque "NUMA node" tag (with a
// system-default -1 bucket), used by the checkpoint replay loop's
// scratch reads, and a generic SyncPool used by the wire codec's encode
// buffers.
package pool
