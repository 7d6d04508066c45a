// Package protocol implements the Redis Serialization Protocol (RESP2)
// framing used between clients, the server and replicas.
//
// Decode works on a byte buffer and reports how many bytes each frame took,
// which is what replication offsets are built from:
//
//	value, n, err := protocol.Decode(buf)
//	switch {
//	case errors.Is(err, protocol.ErrIncomplete):
//		// read more bytes
//	case err != nil:
//		// *protocol.ProtocolError, drop the connection
//	}
//
// Reader wraps a connection with a growing receive buffer:
//
//	reader := protocol.NewReader(conn)
//	for {
//		cmds, err := reader.ReadCommands()
//		if err != nil {
//			break
//		}
//		for _, cmd := range cmds {
//			// cmd.Size is the exact wire length
//		}
//	}
//
// Supported types:
//   - Simple Strings
//   - Errors
//   - Integers
//   - Bulk Strings, including null
//   - Arrays, including null
package protocol
