package main

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// DatabaseStats represents the statistics for a single database
type DatabaseStats struct {
	Keys    int64
	Expires int64
	AvgTTL  int64 // in milliseconds, 0 if not present
}

// NodeInfo is what info-diff compares between two nodes
type NodeInfo struct {
	Role     string
	ReplID   string
	Offset   int64
	Keyspace map[int]DatabaseStats
}

var dbLine = regexp.MustCompile(`^db(\d+):keys=(\d+),expires=(\d+)(?:,avg_ttl=(\d+))?`)

func newInfoDiffCmd() *cobra.Command {
	var ref, sut string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "info-diff",
		Short: "Compare replication state and keyspace of two nodes",
		Long: `Compare a reference node (usually the master) with a system under test
(usually a replica): replication ID, replication offset and the key counts
INFO keyspace reports. Exits non-zero when they differ.`,
		Example: "  respkv info-diff --ref localhost:6379 --sut localhost:6380",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			refInfo, err := fetchNodeInfo(ctx, ref)
			if err != nil {
				return fmt.Errorf("reference %s: %w", ref, err)
			}
			sutInfo, err := fetchNodeInfo(ctx, sut)
			if err != nil {
				return fmt.Errorf("system %s: %w", sut, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Comparing:\n  Reference: %s (%s)\n  System:    %s (%s)\n\n", ref, refInfo.Role, sut, sutInfo.Role)
			if n := compareNodeInfo(out, refInfo, sutInfo); n > 0 {
				return fmt.Errorf("found %d difference(s)", n)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&ref, "ref", "localhost:6379", wrapString("Reference endpoint (host:port)"))
	cmd.Flags().StringVar(&sut, "sut", "localhost:6380", wrapString("System under test endpoint (host:port)"))
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, wrapString("Timeout for both INFO requests"))
	return cmd
}

// fetchNodeInfo reads INFO replication and INFO keyspace from addr
func fetchNodeInfo(ctx context.Context, addr string) (NodeInfo, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Protocol:        2,
		DisableIdentity: true,
		MaxRetries:      -1,
	})
	defer client.Close()

	text, err := client.Info(ctx, "replication", "keyspace").Result()
	if err != nil {
		return NodeInfo{}, err
	}
	return parseNodeInfo(text), nil
}

// parseNodeInfo extracts the compared fields from an INFO reply
func parseNodeInfo(text string) NodeInfo {
	fields := parseInfoFields(text)
	info := NodeInfo{
		Role:     fields["role"],
		ReplID:   fields["master_replid"],
		Keyspace: make(map[int]DatabaseStats),
	}

	offsetKey := "master_repl_offset"
	if info.Role == "slave" && fields["slave_repl_offset"] != "" {
		offsetKey = "slave_repl_offset"
	}
	info.Offset, _ = strconv.ParseInt(fields[offsetKey], 10, 64)

	for _, line := range strings.Split(text, "\n") {
		matches := dbLine.FindStringSubmatch(strings.TrimSpace(line))
		if matches == nil {
			continue
		}
		db, _ := strconv.Atoi(matches[1])
		keys, _ := strconv.ParseInt(matches[2], 10, 64)
		expires, _ := strconv.ParseInt(matches[3], 10, 64)
		var avgTTL int64
		if matches[4] != "" {
			avgTTL, _ = strconv.ParseInt(matches[4], 10, 64)
		}
		info.Keyspace[db] = DatabaseStats{Keys: keys, Expires: expires, AvgTTL: avgTTL}
	}
	return info
}

// parseInfoFields splits "name:value" lines, skipping section headers
func parseInfoFields(text string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if name, value, ok := strings.Cut(line, ":"); ok {
			fields[name] = value
		}
	}
	return fields
}

// compareNodeInfo writes a report to out and returns the number of differences
func compareNodeInfo(out io.Writer, ref, sut NodeInfo) int {
	differences := 0

	fmt.Fprintln(out, "Replication:")
	if ref.ReplID != sut.ReplID {
		fmt.Fprintf(out, "  ❌ master_replid differs: REF=%s, SUT=%s\n", ref.ReplID, sut.ReplID)
		differences++
	}
	if ref.Offset != sut.Offset {
		fmt.Fprintf(out, "  ❌ offset differs: REF=%d, SUT=%d (lag %d bytes)\n", ref.Offset, sut.Offset, ref.Offset-sut.Offset)
		differences++
	}
	if differences == 0 {
		fmt.Fprintf(out, "  ✅ replid %s at offset %d\n", ref.ReplID, ref.Offset)
	}

	dbs := lo.Uniq(append(lo.Keys(ref.Keyspace), lo.Keys(sut.Keyspace)...))
	sort.Ints(dbs)

	fmt.Fprintln(out, "Keyspace:")
	if len(dbs) == 0 {
		fmt.Fprintln(out, "  ✅ both empty")
	}
	for _, db := range dbs {
		refStats, refOK := ref.Keyspace[db]
		sutStats, sutOK := sut.Keyspace[db]

		switch {
		case !refOK:
			fmt.Fprintf(out, "  ❌ db%d missing in REFERENCE, SYSTEM has keys=%d,expires=%d\n", db, sutStats.Keys, sutStats.Expires)
			differences++
		case !sutOK:
			fmt.Fprintf(out, "  ❌ db%d missing in SYSTEM, REFERENCE has keys=%d,expires=%d\n", db, refStats.Keys, refStats.Expires)
			differences++
		case refStats.Keys != sutStats.Keys || refStats.Expires != sutStats.Expires:
			fmt.Fprintf(out, "  ❌ db%d differs: REF keys=%d,expires=%d SUT keys=%d,expires=%d\n",
				db, refStats.Keys, refStats.Expires, sutStats.Keys, sutStats.Expires)
			differences++
		default:
			fmt.Fprintf(out, "  ✅ db%d keys=%d,expires=%d\n", db, refStats.Keys, refStats.Expires)
		}
	}

	fmt.Fprintln(out)
	if differences == 0 {
		fmt.Fprintln(out, "No differences found")
	} else {
		fmt.Fprintf(out, "%d difference(s) found\n", differences)
	}
	return differences
}
