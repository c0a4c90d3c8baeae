// Package config loads adsyncd's settings via viper, with flags taking
// precedence over environment variables, which take precedence over a
// YAML config file, mirroring the teacher's cli/root.go layering
// (flag → env → file → default).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the fully resolved set of settings adsyncd needs to run, per
// spec.md §6 plus SPEC_FULL.md §4.13's ambient/expansion keys.
type Config struct {
	// Core directory settings (spec.md §6).
	Domain            string
	PreferredServer   string
	LoadAllAttributes bool
	OtherAttributes   []string
	SnapshotPath      string
	SnapshotInterval  time.Duration
	BulkLoadPageSize  int

	// Ambient (expansion).
	LogLevel  string
	LogFormat string

	MetricsNamespace string
	MetricsAddr      string

	SidecarPath  string
	ProbeTimeout time.Duration

	// Exporter (expansion, optional — empty DSN disables export).
	ExporterPostgresDSN string
	ExporterNeo4jURI    string
	ExporterNeo4jUser   string
	ExporterNeo4jPass   string

	// Graph secondary source (expansion, optional).
	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphEnabled      bool

	// Snapshot write lock (expansion, optional — empty addr disables it,
	// appropriate for single-instance deployments).
	SnapshotLockRedisAddr string
	SnapshotLockKey       string
	SnapshotLockTTL       time.Duration
}

// BindFlags registers every config flag on cmd and binds it into v,
// following the teacher's --flag/env-var/config-file naming convention
// (dashed flags, dotted viper keys, underscored env vars).
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()

	flags.String("domain", "", "Active Directory domain to mirror")
	flags.String("preferred-server", "", "preferred domain controller hostname")
	flags.Bool("load-all-attributes", false, "request every attribute instead of the known-attribute set")
	flags.StringSlice("other-attributes", nil, "extra attribute names to request and carry as opaque fields")
	flags.String("snapshot-path", "", "path to the binary snapshot (.cache) file")
	flags.Duration("snapshot-interval", 5*time.Minute, "interval between snapshot writes")
	flags.Int("bulk-load-page-size", 1000, "LDAP paged-search page size")

	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")

	flags.String("metrics-namespace", "adsyncd", "prometheus metric namespace")
	flags.String("metrics-addr", ":9090", "address the /metrics and /healthz server listens on")

	flags.String("sidecar-path", "", "bbolt sidecar file for the preferred-DC cache")
	flags.Duration("probe-timeout", 5*time.Second, "DC bootstrap probe timeout")

	flags.String("exporter-postgres-dsn", "", "postgres DSN for the SQL export sink; empty disables it")
	flags.String("exporter-neo4j-uri", "", "neo4j bolt URI for the graph export sink; empty disables it")
	flags.String("exporter-neo4j-user", "", "neo4j username")
	flags.String("exporter-neo4j-pass", "", "neo4j password")

	flags.Bool("graph-enabled", false, "enable the Microsoft Graph secondary source")
	flags.String("graph-tenant-id", "", "Azure AD tenant id")
	flags.String("graph-client-id", "", "Azure AD application (client) id")
	flags.String("graph-client-secret", "", "Azure AD application client secret")

	flags.String("snapshot-lock-redis-addr", "", "redis address for the distributed snapshot-write lock; empty disables it")
	flags.String("snapshot-lock-key", "adsyncd:snapshot-lock", "redis key used for the snapshot-write lock")
	flags.Duration("snapshot-lock-ttl", time.Minute, "lease duration for the snapshot-write lock")

	v.BindPFlags(flags)
}

// Load reads config from v (already populated by BindFlags + viper's
// env/file layers) into a Config. Call after cobra has parsed flags and
// viper has read its config file.
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := Config{
		Domain:            v.GetString("domain"),
		PreferredServer:   v.GetString("preferred-server"),
		LoadAllAttributes: v.GetBool("load-all-attributes"),
		OtherAttributes:   v.GetStringSlice("other-attributes"),
		SnapshotPath:      v.GetString("snapshot-path"),
		SnapshotInterval:  v.GetDuration("snapshot-interval"),
		BulkLoadPageSize:  v.GetInt("bulk-load-page-size"),

		LogLevel:  v.GetString("log-level"),
		LogFormat: v.GetString("log-format"),

		MetricsNamespace: v.GetString("metrics-namespace"),
		MetricsAddr:      v.GetString("metrics-addr"),

		SidecarPath:  v.GetString("sidecar-path"),
		ProbeTimeout: v.GetDuration("probe-timeout"),

		ExporterPostgresDSN: v.GetString("exporter-postgres-dsn"),
		ExporterNeo4jURI:    v.GetString("exporter-neo4j-uri"),
		ExporterNeo4jUser:   v.GetString("exporter-neo4j-user"),
		ExporterNeo4jPass:   v.GetString("exporter-neo4j-pass"),

		GraphEnabled:      v.GetBool("graph-enabled"),
		GraphTenantID:     v.GetString("graph-tenant-id"),
		GraphClientID:      v.GetString("graph-client-id"),
		GraphClientSecret: v.GetString("graph-client-secret"),

		SnapshotLockRedisAddr: v.GetString("snapshot-lock-redis-addr"),
		SnapshotLockKey:       v.GetString("snapshot-lock-key"),
		SnapshotLockTTL:       v.GetDuration("snapshot-lock-ttl"),
	}

	if cfg.Domain == "" {
		return cfg, fmt.Errorf("config: domain is required")
	}
	if cfg.BulkLoadPageSize <= 0 {
		cfg.BulkLoadPageSize = 1000
	}
	if cfg.GraphEnabled && (cfg.GraphTenantID == "" || cfg.GraphClientID == "" || cfg.GraphClientSecret == "") {
		return cfg, fmt.Errorf("config: graph-enabled requires graph-tenant-id, graph-client-id, and graph-client-secret")
	}

	return cfg, nil
}

// InitFile registers the optional --config flag handling: if cfgFile is
// set, read exactly that file; otherwise search $HOME and the working
// directory for adsyncd.yaml, matching the teacher's initConfig search
// order.
func InitFile(v *viper.Viper, cfgFile string, homeDir string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(homeDir)
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("adsyncd")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound {
			return nil
		}
		return fmt.Errorf("config: read config file: %w", err)
	}
	return nil
}
