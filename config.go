package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// ImportConfig holds the full TOML-driven import configuration.
type ImportConfig struct {
	ProjectRoot        string `toml:"project_root"`
	BackupPath         string `toml:"backup_path"`
	DBDumpBinaryPath   string `toml:"db_dump_binary_path"`
	DBImportBinaryPath string `toml:"db_import_binary_path"`
	DBImportMode       string `toml:"db_import_mode"` // stream|client

	// Timeouts and tunnel polling, in seconds. 0 disables a timeout.
	DBTimeout           int `toml:"db_timeout"`
	DBSSHTunnelTimeout  int `toml:"db_ssh_tunnel_timeout"`
	DBSSHTunnelAttempts int `toml:"db_ssh_tunnel_attempts"`
	DBSSHTunnelInterval int `toml:"db_ssh_tunnel_interval"`

	Environments map[string]EnvironmentProfile `toml:"environments"`
	Local        LocalConfig                   `toml:"local"`

	ImportPaths  []ImportPath `toml:"import_paths"`
	RequiredDirs []string     `toml:"required_dirs"`

	EmptyTables     []string `toml:"empty_tables"`
	PersistTables   []string `toml:"persist_tables"`
	SensitiveTables []string `toml:"sensitive_tables"` // legacy name for empty_tables

	DatabaseProcessors []ProcessorSpec `toml:"database_processors"`
	DataProcessors     []ProcessorSpec `toml:"data_processors"`

	Hooks         HooksConfig         `toml:"hooks"`
	Notifications NotificationsConfig `toml:"notifications"`
	TwoFactor     TwoFactorConfig     `toml:"two_factor"`

	// environmentOrder is the declaration order of [environments.*] tables.
	environmentOrder []string
	// configDir is the directory containing the TOML file, used to resolve relative paths.
	configDir string
}

// LocalConfig describes the destination database on this machine.
type LocalConfig struct {
	Type     string `toml:"type"` // mysql|mariadb|pgsql|sqlite
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Database string `toml:"database"` // file path for sqlite
	Username string `toml:"username"`
	Password string `toml:"password"`
	Schema   string `toml:"schema"` // pgsql only
}

// ImportPath is one remote directory mirrored into the project.
type ImportPath struct {
	Path     string   `toml:"path"`
	Excludes []string `toml:"excludes"`
}

type HooksConfig struct {
	AfterImportSQL []string `toml:"after_import_sql"`
	AfterDB        []string `toml:"after_db"`
	AfterAll       []string `toml:"after_all"`
}

type NotificationsConfig struct {
	ImportSucceeded bool       `toml:"import_succeeded"`
	ImportFailed    bool       `toml:"import_failed"`
	Mail            []string   `toml:"mail"`
	SMTP            SMTPConfig `toml:"smtp"`
}

type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
}

// TwoFactorConfig names user columns cleared for every anonymized user so
// the account can be logged into locally. Empty means the hook is a no-op.
type TwoFactorConfig struct {
	Columns []string `toml:"columns"`
}

// ProcessorSpec is one entry of database_processors or data_processors.
type ProcessorSpec struct {
	Type    string         `toml:"type"`
	Options map[string]any `toml:"options"`

	// entry and options are resolved at load time.
	entry   *processorEntry
	options any
}

var defaultRequiredDirs = []string{
	"storage/app",
	"storage/logs",
	"storage/framework/cache",
	"storage/framework/sessions",
	"storage/framework/testing",
	"storage/framework/views",
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvRefs replaces ${VAR} references with values from the process
// environment, falling back to dotenv. A bare $ is left alone so passwords
// containing it survive.
func expandEnvRefs(s string, dotenv map[string]string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return dotenv[name]
	})
}

// expandEnv resolves ${VAR} references in the decoded string settings.
// Expansion runs after parsing so values are never read as TOML.
func (c *ImportConfig) expandEnv(dotenv map[string]string) {
	expand := func(s *string) { *s = expandEnvRefs(*s, dotenv) }
	expandAll := func(list []string) {
		for i := range list {
			expand(&list[i])
		}
	}

	for _, s := range []*string{&c.ProjectRoot, &c.BackupPath, &c.DBDumpBinaryPath, &c.DBImportBinaryPath} {
		expand(s)
	}
	for name, env := range c.Environments {
		for _, s := range []*string{
			&env.SSHHost, &env.SSHUsername, &env.SSHKey, &env.SSHPassword, &env.SSHBasePath,
			&env.DBHost, &env.DBName, &env.DBUsername, &env.DBPassword,
		} {
			expand(s)
		}
		c.Environments[name] = env
	}
	for _, s := range []*string{&c.Local.Host, &c.Local.Database, &c.Local.Username, &c.Local.Password, &c.Local.Schema} {
		expand(s)
	}
	for i := range c.ImportPaths {
		expand(&c.ImportPaths[i].Path)
		expandAll(c.ImportPaths[i].Excludes)
	}
	expandAll(c.Hooks.AfterImportSQL)
	expandAll(c.Hooks.AfterDB)
	expandAll(c.Hooks.AfterAll)

	n := &c.Notifications
	expandAll(n.Mail)
	for _, s := range []*string{&n.SMTP.Host, &n.SMTP.Username, &n.SMTP.Password, &n.SMTP.From} {
		expand(s)
	}

	for _, specs := range [][]ProcessorSpec{c.DatabaseProcessors, c.DataProcessors} {
		for _, spec := range specs {
			for k, v := range spec.Options {
				spec.Options[k] = expandOptionValue(v, dotenv)
			}
		}
	}
}

func expandOptionValue(v any, dotenv map[string]string) any {
	switch v := v.(type) {
	case string:
		return expandEnvRefs(v, dotenv)
	case []any:
		for i := range v {
			v[i] = expandOptionValue(v[i], dotenv)
		}
		return v
	default:
		return v
	}
}

// readDotenv reads the .env file next to the config file, if there is one.
func readDotenv(dir string) (map[string]string, error) {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return vars, nil
}

// loadConfig reads a TOML config file and returns an ImportConfig with defaults applied.
func loadConfig(path string) (*ImportConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf("read config: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, configErrorf("resolve config path: %w", err)
	}
	dotenv, err := readDotenv(filepath.Dir(absPath))
	if err != nil {
		return nil, configErrorf("%w", err)
	}

	cfg := ImportConfig{
		BackupPath:          ".import",
		DBDumpBinaryPath:    "/usr/bin",
		DBImportBinaryPath:  "/usr/bin",
		DBImportMode:        "stream",
		DBSSHTunnelTimeout:  30,
		DBSSHTunnelAttempts: 10,
		DBSSHTunnelInterval: 2,
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, configErrorf("parse config: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, configErrorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	for _, k := range md.Keys() {
		if len(k) == 2 && k[0] == "environments" {
			cfg.environmentOrder = append(cfg.environmentOrder, k[1])
		}
	}

	cfg.expandEnv(dotenv)
	cfg.configDir = filepath.Dir(absPath)

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ImportConfig) applyDefaults() error {
	if c.ProjectRoot == "" {
		c.ProjectRoot = c.configDir
	} else {
		c.ProjectRoot = c.resolvePath(c.ProjectRoot)
	}
	if c.RequiredDirs == nil {
		c.RequiredDirs = defaultRequiredDirs
	}
	if len(c.EmptyTables) == 0 && len(c.SensitiveTables) > 0 {
		c.EmptyTables = c.SensitiveTables
	}
	if c.Local.Type == "" {
		c.Local.Type = "mysql"
	}
	if c.Local.Type == "pgsql" && c.Local.Schema == "" {
		c.Local.Schema = "public"
	}
	if c.Local.Type == "sqlite" && c.Local.Database != "" {
		c.Local.Database = c.resolveProjectPath(c.Local.Database)
	}

	for name, env := range c.Environments {
		env.Name = name
		if env.DBType == "" {
			env.DBType = "mysql"
		}
		if env.DBUseSSH && env.DBSSHTunnelPort == 0 {
			env.DBSSHTunnelPort = 3307
		}
		c.Environments[name] = env
	}
	return nil
}

func (c *ImportConfig) validate() error {
	switch c.DBImportMode {
	case "stream", "client":
	default:
		return configErrorf("db_import_mode must be one of: stream, client")
	}
	if c.DBSSHTunnelAttempts <= 0 {
		return configErrorf("db_ssh_tunnel_attempts must be positive")
	}
	if c.DBSSHTunnelInterval < 0 || c.DBSSHTunnelTimeout < 0 || c.DBTimeout < 0 {
		return configErrorf("timeouts and intervals must not be negative")
	}

	for _, name := range c.environmentOrder {
		env := c.Environments[name]
		switch env.DBType {
		case "mysql", "mariadb", "pgsql":
		default:
			return configErrorf("environments.%s.db_type must be one of: mysql, mariadb, pgsql", name)
		}
	}

	if err := c.TablePolicy().Validate(); err != nil {
		return configErrorf("table policy: %w", err)
	}

	for i, p := range c.ImportPaths {
		if strings.TrimSpace(p.Path) == "" {
			return configErrorf("import_paths[%d]: no valid path defined for file import", i)
		}
		if filepath.IsAbs(p.Path) || strings.HasPrefix(filepath.Clean(p.Path), "..") {
			return configErrorf("import_paths[%d]: path %q must stay inside the project", i, p.Path)
		}
	}

	if err := resolveProcessors(c.DatabaseProcessors, databaseProcessorKind); err != nil {
		return err
	}
	if err := resolveProcessors(c.DataProcessors, dataProcessorKind); err != nil {
		return err
	}
	return nil
}

// TablePolicy returns the configured persist/empty split.
func (c *ImportConfig) TablePolicy() TablePolicy {
	return TablePolicy{Persist: c.PersistTables, Empty: c.EmptyTables}
}

// resolvePath resolves a path relative to the config file directory.
func (c *ImportConfig) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}

// resolveProjectPath resolves a path relative to the project root.
func (c *ImportConfig) resolveProjectPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectRoot, p)
}

func (c *ImportConfig) dbTimeout() time.Duration {
	return time.Duration(c.DBTimeout) * time.Second
}
