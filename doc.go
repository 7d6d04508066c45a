// Package respkv provides an in-memory key-value server that speaks RESP
// and replicates from a master to any number of replicas.
//
// A Node bundles the storage, the command engine, the TCP connection
// handler and the replication state. Without replicaof it runs as a
// master and streams every write to the replicas attached to it; with
// replicaof it performs the PING / REPLCONF / PSYNC handshake, loads the
// snapshot the master sends and then applies the master's command stream.
//
// Basic usage:
//
//	master, err := respkv.New(respkv.WithAddr(":6379"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer master.Close()
//
//	if err := master.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
//	replica, err := respkv.New(
//		respkv.WithAddr(":6380"),
//		respkv.WithReplicaOf("localhost", 6379),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer replica.Close()
//
//	// Start returns after the initial sync
//	if err := replica.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
// Any RESP client can then talk to either node. WAIT on the master blocks
// until the requested number of replicas acknowledge every prior write.
//
// Configuration is usually built with the config package, which layers
// defaults, environment variables, a YAML file and flags; pass the result
// to FromConfig. The cmd/respkv binary does exactly that.
package respkv
