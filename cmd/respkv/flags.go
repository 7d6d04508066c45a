package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/raniellyferreira/respkv/config"
)

// wrap is the number of characters help text is wrapped at
const wrap = 50

// wrapString wraps text at wrap characters
func wrapString(text string) string {
	var lines []string
	var line strings.Builder

	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

// addConfigFlags registers one flag per configuration key. Defaults shown
// in help come from config.Default; a flag only overrides the environment
// when it is given.
func addConfigFlags(flags *pflag.FlagSet) {
	def := config.Default()

	flags.String("config", "", wrapString("YAML config file; its keys are the flag names"))

	flags.Int("port", def.Port, wrapString("TCP port to listen on"))
	flags.String("bind", def.Bind, wrapString("Address to bind"))
	flags.String("dir", def.Dir, wrapString("Directory of the startup snapshot"))
	flags.String("dbfilename", def.DBFilename, wrapString("File name of the startup snapshot inside dir"))
	flags.String("replicaof", def.ReplicaOf, wrapString(`Master to replicate from as "host port"; empty runs a master`))
	flags.String("log-level", def.LogLevel, wrapString("Log level (debug, info, error)"))
	flags.String("metrics-addr", def.MetricsAddr, wrapString("Address serving Prometheus metrics on /metrics; empty disables it"))
	flags.Duration("read-timeout", def.ReadTimeout, wrapString("Close client connections idle for this long; 0 keeps them"))
	flags.Duration("write-timeout", def.WriteTimeout, wrapString("Timeout for writes to replicas and to the master"))
	flags.Duration("connect-timeout", def.ConnectTimeout, wrapString("Timeout for dialing the master"))
	flags.Duration("sync-timeout", def.SyncTimeout, wrapString("Timeout for the initial sync with the master"))
	flags.Duration("sweep-interval", def.SweepInterval, wrapString("How often expired keys are sampled; 0 disables the sweeper"))
	flags.Int("shards", def.Shards, wrapString("Number of storage shards; 0 keeps the default of 64"))
}

// loadConfig builds the configuration for cmd: defaults, .env files and
// RESPKV_ variables, then the config file, then the flags given
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return config.Load(v)
}
