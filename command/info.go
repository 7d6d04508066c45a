package command

import (
	"fmt"
	"net"
	"strings"

	"github.com/samber/lo"

	"github.com/raniellyferreira/respkv/protocol"
	"github.com/raniellyferreira/respkv/replication"
)

// RedisVersion is the server version reported to clients
const RedisVersion = "7.2.0"

var infoSections = []string{"server", "replication", "keyspace"}

// info handles INFO [section ...]. Without a section, or with all, default
// or everything, every section is returned.
func (e *Engine) info(req Request) (Result, error) {
	wanted := lo.Map(argStrings(req.Cmd.Args), func(s string, _ int) string { return strings.ToLower(s) })
	if len(wanted) == 0 || lo.ContainsBy(wanted, func(s string) bool {
		return s == "all" || s == "default" || s == "everything"
	}) {
		wanted = infoSections
	}

	var parts []string
	for _, section := range infoSections {
		if !lo.Contains(wanted, section) {
			continue
		}
		switch section {
		case "server":
			parts = append(parts, e.serverInfo())
		case "replication":
			parts = append(parts, e.replicationInfo())
		case "keyspace":
			parts = append(parts, e.keyspaceInfo())
		}
	}
	return reply(protocol.BulkString([]byte(strings.Join(parts, "\r\n")))), nil
}

func (e *Engine) serverInfo() string {
	lines := []string{
		"# Server",
		"redis_version:" + RedisVersion,
		"respkv_version:" + e.version,
		"redis_mode:standalone",
	}
	if port, ok := e.configValue("port"); ok {
		lines = append(lines, "tcp_port:"+port)
	}
	uptime := e.now().Sub(e.started)
	lines = append(lines,
		fmt.Sprintf("uptime_in_seconds:%d", int64(uptime.Seconds())),
		fmt.Sprintf("uptime_in_days:%d", int64(uptime.Hours()/24)),
	)
	return strings.Join(lines, "\r\n") + "\r\n"
}

func (e *Engine) replicationInfo() string {
	role := e.repl.Role()
	lines := []string{"# Replication", "role:" + role.String()}

	if role == replication.RoleSlave {
		if replicaOf, ok := e.configValue("replicaof"); ok {
			if host, port, found := strings.Cut(replicaOf, " "); found {
				lines = append(lines, "master_host:"+host, "master_port:"+port)
			}
		}
		status := "down"
		if e.linkUp != nil && e.linkUp() {
			status = "up"
		}
		lines = append(lines,
			"master_link_status:"+status,
			fmt.Sprintf("slave_repl_offset:%d", e.repl.Offset()),
			"slave_read_only:1",
		)
	}

	sessions := e.repl.Sessions()
	lines = append(lines, fmt.Sprintf("connected_slaves:%d", len(sessions)))
	for i, s := range sessions {
		ip := s.Addr
		if host, _, err := net.SplitHostPort(s.Addr); err == nil {
			ip = host
		}
		lines = append(lines, fmt.Sprintf("slave%d:ip=%s,port=%d,state=online,offset=%d,lag=0",
			i, ip, s.ListeningPort, s.AckOffset))
	}

	lines = append(lines,
		"master_replid:"+e.repl.ReplID(),
		fmt.Sprintf("master_repl_offset:%d", e.repl.Offset()),
	)
	return strings.Join(lines, "\r\n") + "\r\n"
}

func (e *Engine) keyspaceInfo() string {
	lines := []string{"# Keyspace"}
	stats := e.store.Info()
	keys, _ := stats["keys"].(int64)
	expires, _ := stats["expires"].(int64)
	if keys > 0 {
		lines = append(lines, fmt.Sprintf("db0:keys=%d,expires=%d,avg_ttl=0", keys, expires))
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

func (e *Engine) configValue(name string) (string, bool) {
	if e.config == nil {
		return "", false
	}
	return e.config.Get(name)
}
