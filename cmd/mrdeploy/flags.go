package main

import "time"

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

// DaemonFlags mirror the deploy daemon's command line.
type DaemonFlags struct {
	DeployAndQuit bool   // one forced iteration, then exit
	NoNotify      bool   // never post to the chat webhook
	Force         bool   // force the first iteration of the poll loop
	MetricsListen string // serve /metrics for this daemon process
}

// ClientFlags configure the API client used by status/start/stop/restart/retry.
type ClientFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Username   string
	Password   string
}

type InitFlags struct {
	Path  string
	Force bool
}
