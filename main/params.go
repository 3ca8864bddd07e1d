// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ava-labs/chaindbvm/chaindbvm"
)

const (
	versionKey        = "version"
	configFileKey     = "config-file"
	dataDirKey        = "data-dir"
	snapshotKey       = "snapshot"
	producerKeyKey    = "producer-key"
	finalityDepthKey  = "finality-depth"
	skipDBSessionsKey = "skip-db-sessions"
	workerCountKey    = "worker-count"
	blockIntervalKey  = "block-interval"
	httpHostKey       = "http-host"
	httpPortKey       = "http-port"
	logLevelKey       = "log-level"
)

type params struct {
	version  bool
	httpHost string
	httpPort uint16
	logLevel string
	config   chaindbvm.Config
}

func buildFlagSet() *flag.FlagSet {
	defaults := chaindbvm.DefaultConfig()
	fs := flag.NewFlagSet(chaindbvm.Name, flag.ContinueOnError)

	fs.Bool(versionKey, false, "If true, prints the version and quit")
	fs.String(configFileKey, "", "JSON config file, overridden by flags")
	fs.String(dataDirKey, "", "Directory of the block log and the state. Runs in memory when empty")
	fs.String(snapshotKey, "", "Snapshot to start from")
	fs.String(producerKeyKey, "", "Hex encoded key to produce blocks with")
	fs.Uint(finalityDepthKey, uint(defaults.Chain.FinalityDepth), "Number of blocks after which a block is irreversible")
	fs.Bool(skipDBSessionsKey, defaults.Chain.SkipDBSessions, "Replay irreversible blocks without undo sessions")
	fs.Int(workerCountKey, defaults.Chain.WorkerCount, "Number of signature recovery workers")
	fs.Duration(blockIntervalKey, defaults.Chain.BlockInterval, "Time between blocks")
	fs.String(httpHostKey, "127.0.0.1", "Address of the API server")
	fs.Uint(httpPortKey, 9650, "Port of the API server")
	fs.String(logLevelKey, "info", "Log level")

	return fs
}

// getViper returns the viper environment for the node binary
func getViper() (*viper.Viper, error) {
	v := viper.New()

	fs := buildFlagSet()
	pflag.CommandLine.AddGoFlagSet(fs)
	pflag.Parse()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return nil, err
	}
	if file := v.GetString(configFileKey); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func decodeWithJSONTags(c *mapstructure.DecoderConfig) {
	c.TagName = "json"
	c.DecodeHook = mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

func getParams() (*params, error) {
	v, err := getViper()
	if err != nil {
		return nil, err
	}
	p := &params{
		version:  v.GetBool(versionKey),
		httpHost: v.GetString(httpHostKey),
		logLevel: v.GetString(logLevelKey),
		config:   chaindbvm.DefaultConfig(),
	}
	if v.ConfigFileUsed() != "" {
		if err := v.Unmarshal(&p.config, decodeWithJSONTags); err != nil {
			return nil, fmt.Errorf("couldn't decode %s: %w", v.ConfigFileUsed(), err)
		}
	}

	port := v.GetUint(httpPortKey)
	if port > 1<<16-1 {
		return nil, fmt.Errorf("invalid %s: %d", httpPortKey, port)
	}
	p.httpPort = uint16(port)

	for key, set := range map[string]func(){
		dataDirKey:        func() { p.config.DataDir = v.GetString(dataDirKey) },
		snapshotKey:       func() { p.config.SnapshotPath = v.GetString(snapshotKey) },
		producerKeyKey:    func() { p.config.ProducerKey = v.GetString(producerKeyKey) },
		finalityDepthKey:  func() { p.config.Chain.FinalityDepth = uint32(v.GetUint(finalityDepthKey)) },
		skipDBSessionsKey: func() { p.config.Chain.SkipDBSessions = v.GetBool(skipDBSessionsKey) },
		workerCountKey:    func() { p.config.Chain.WorkerCount = v.GetInt(workerCountKey) },
		blockIntervalKey:  func() { p.config.Chain.BlockInterval = v.GetDuration(blockIntervalKey) },
	} {
		if v.ConfigFileUsed() == "" || pflag.CommandLine.Changed(key) {
			set()
		}
	}
	if p.config.Chain.BlockInterval < time.Millisecond {
		return nil, fmt.Errorf("invalid %s: %s", blockIntervalKey, p.config.Chain.BlockInterval)
	}
	return p, nil
}
