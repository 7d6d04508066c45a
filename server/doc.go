// Package server accepts RESP connections and serves them.
//
// Every connection runs on its own goroutine. Complete frames are read in
// batches and executed in arrival order, and the replies of a batch are
// flushed together. Writes reach the replication stream inside the executor,
// so a WAIT later in the same pipeline already counts them.
//
// A connection that sends PSYNC becomes a replica link: the manager queues
// the FULLRESYNC header and snapshot, and from then on each reply is queued
// whole on the replica session. The link keeps being
// read for REPLCONF ACK. When it closes, the session is deregistered.
//
// A malformed frame is answered with "-ERR Protocol error" and the
// connection is closed. Command errors only produce an error reply.
package server
