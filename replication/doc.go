// Package replication implements master to replica replication.
//
// On a master, Manager owns the replication ID, the offset and the set of
// registered replica sessions. Every write is encoded once and sent to all
// replicas while the offset advances by the encoded length, and WAIT is
// answered from the offsets replicas acknowledge with REPLCONF ACK.
//
// On a replica, Client runs the handshake (PING, REPLCONF listening-port,
// REPLCONF capa psync2, PSYNC ? -1), loads the RDB snapshot that follows
// +FULLRESYNC and then applies the command stream, advancing the offset by
// the exact size of every frame it consumes:
//
//	mgr := replication.NewManager(replication.RoleSlave, store)
//	client := replication.NewClient("localhost:6379", store, mgr, applier)
//	if err := client.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// The package also reads and writes the RDB format used for the snapshot.
package replication
