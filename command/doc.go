// Package command executes RESP commands against the key-value store.
//
// Each supported command has a row in a static table giving its kind, arity
// and flags. Engine.Execute validates a request against that table and
// dispatches on the kind. The result carries the reply and whether the link
// is turning into a replica session.
//
// A write runs inside Replication.Apply, which appends it to the replication
// stream in the same step as the store change, so replicas see writes in the
// order the store applied them. A script is one such step.
//
// Commands arriving from a master are applied silently; only
// REPLCONF GETACK is answered, with the offset the replica had before the
// GETACK frame.
//
// Scripts run through the lua package. Writes made with redis.call are
// collected and propagated one by one, so replicas never run the script.
package command
