package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/enetdash/internal/ecu"
)

// Logger records engine snapshots to CSV files with automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	maxRows  int
	enabled  bool

	file   *os.File
	writer *csv.Writer
	path   string
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
	MaxRows    int    `yaml:"max_rows" json:"maxRows"`
}

const (
	defaultPath    = "/var/log/enetdash"
	maxRowsPerFile = 100_000 // ~2.7 hrs at 10 Hz
)

var csvHeader = []string{
	"timestamp", "state", "session", "battery_saving", "rpm",
	"left_param", "left_value", "left_peak",
	"left2_param", "left2_value",
	"right_param", "right_value", "right_peak",
	"right2_param", "right2_value",
	"worst_correction", "worst_cylinder", "corrections",
	"dtc_count",
}

func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = maxRowsPerFile
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		maxRows:  cfg.MaxRows,
		enabled:  cfg.Enabled,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Path returns the file currently written to, if any.
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Record writes a snapshot if the minimum interval has elapsed. Snapshots
// without a session are skipped so idle time does not fill the disk.
func (l *Logger) Record(snap ecu.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || snap.SessionID == "" {
		return
	}

	now := snap.Stamp
	if now.IsZero() {
		now = time.Now()
	}
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(now, snap)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("enetdash_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.path = path
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	l.path = ""
}

func buildRow(ts time.Time, s ecu.Snapshot) []string {
	row := make([]string, 0, len(csvHeader))
	row = append(row,
		ts.Format(time.RFC3339Nano),
		s.State.String(),
		s.SessionID,
		boolStr(s.BatterySaving),
		fmt.Sprintf("%.0f", s.RPM),
	)
	row = append(row, reading(s.Left.Primary, true)...)
	row = append(row, reading(s.Left.Secondary, false)...)
	row = append(row, reading(s.Right.Primary, true)...)
	row = append(row, reading(s.Right.Secondary, false)...)

	worst := ""
	if s.WorstCylinder >= 0 {
		worst = fmt.Sprintf("%.1f", s.WorstCorrection)
	}
	corr := make([]string, len(s.Corrections))
	for i, c := range s.Corrections {
		corr[i] = fmt.Sprintf("%.1f", c)
	}
	row = append(row,
		worst,
		strconv.Itoa(s.WorstCylinder+1),
		strings.Join(corr, ";"),
		strconv.Itoa(len(s.DTCs)),
	)
	return row
}

// reading formats one gauge readout. Invalid readings leave the value empty.
func reading(g ecu.GaugeReading, withPeak bool) []string {
	value, peak := "", ""
	if g.Valid {
		value = fmt.Sprintf("%.2f", g.Value)
		peak = fmt.Sprintf("%.2f", g.Peak)
	}
	if withPeak {
		return []string{g.Parameter, value, peak}
	}
	return []string{g.Parameter, value}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
