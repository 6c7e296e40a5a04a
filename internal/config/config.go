// Package config centralises the environment-variable surface of spec
// section 6 into one explicitly-constructed record, passed down to every
// component instead of read from globals.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is process-wide configuration, built once at startup and passed
// explicitly to every constructor that needs it.
type Config struct {
	// Networking
	SlowFetchSleep time.Duration
	UserAgent      string
	Timeout        time.Duration

	// Scheduling
	ConcurrentBuilds       int
	CycleTimeHours         float64
	ConcurrentQueueWorkers int

	// Cirrus CI
	CirrusUser string
	CirrusRepo string

	// Git
	GithubFullRepo string
	GitRemoteName  string
	GitSSHCommand  string

	// Storage
	DSN            string
	LockFile       string
	WebRoot        string
	PatchburnerCtl string

	// Commitfest
	CommitfestHost         string
	CommitfestPostURL      string
	CommitfestSharedSecret string

	// Retention
	RetentionLargeObjectsDays int
	RetentionAllDays          int

	// Ignore list file, hot-reloaded (see IgnoreList.Watch).
	IgnoreListFile string

	// Reference branch list file, hot-reloaded (mainline + release
	// branches used as statistical baselines, spec 4.2.2/4.6).
	ReferenceBranchesFile string

	// Redis, for the cross-process fetch rate limiter and response cache.
	RedisAddr string

	// Slack, for operator alerts on retry exhaustion / fatal errors.
	SlackToken   string
	SlackChannel string

	// HTTP listen addresses for the webhook and metrics servers.
	WebhookAddr string
	MetricsAddr string
}

// FromEnv builds a Config from the process environment, applying the
// defaults the spec calls out explicitly.
func FromEnv() (Config, error) {
	c := Config{
		SlowFetchSleep:            durationSeconds(envOr("SLOW_FETCH_SLEEP", "1")),
		UserAgent:                 envOr("USER_AGENT", "cfbot/1.0"),
		Timeout:                   durationSeconds(envOr("TIMEOUT", "30")),
		ConcurrentBuilds:          mustInt(envOr("CONCURRENT_BUILDS", "8")),
		CycleTimeHours:            mustFloat(envOr("CYCLE_TIME", "72")),
		ConcurrentQueueWorkers:    mustInt(envOr("CONCURRENT_QUEUE_WORKERS", "4")),
		CirrusUser:                os.Getenv("CIRRUS_USER"),
		CirrusRepo:                os.Getenv("CIRRUS_REPO"),
		GithubFullRepo:            os.Getenv("GITHUB_FULL_REPO"),
		GitRemoteName:             envOr("GIT_REMOTE_NAME", "origin"),
		GitSSHCommand:             os.Getenv("GIT_SSH_COMMAND"),
		DSN:                       os.Getenv("DSN"),
		LockFile:                  envOr("LOCK_FILE", "/tmp/cfbot.lock"),
		WebRoot:                   envOr("WEB_ROOT", "./www"),
		PatchburnerCtl:            os.Getenv("PATCHBURNER_CTL"),
		CommitfestHost:            os.Getenv("COMMITFEST_HOST"),
		CommitfestPostURL:         os.Getenv("COMMITFEST_POST_URL"),
		CommitfestSharedSecret:    os.Getenv("COMMITFEST_SHARED_SECRET"),
		RetentionLargeObjectsDays: mustInt(envOr("RETENTION_LARGE_OBJECTS", "30")),
		RetentionAllDays:          mustInt(envOr("RETENTION_ALL", "180")),
		IgnoreListFile:            os.Getenv("IGNORE_LIST_FILE"),
		ReferenceBranchesFile:     os.Getenv("REFERENCE_BRANCHES_FILE"),
		RedisAddr:                 envOr("REDIS_ADDR", "localhost:6379"),
		SlackToken:                os.Getenv("SLACK_TOKEN"),
		SlackChannel:              os.Getenv("SLACK_CHANNEL"),
		WebhookAddr:               envOr("WEBHOOK_ADDR", ":8080"),
		MetricsAddr:               envOr("METRICS_ADDR", ":9090"),
	}

	if c.DSN == "" {
		return c, fmt.Errorf("config: DSN is required")
	}

	return c, nil
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func durationSeconds(s string) time.Duration {
	return time.Duration(mustFloat(s) * float64(time.Second))
}

func mustInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func mustFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
