package truth

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultRoot is where servers keep truth folders.
	DefaultRoot = "/data/local/wfgen_reports"
	// ReportName is the consolidated file inside a truth folder.
	ReportName = "report_of_truth.json"

	folderLayout = "20060102150405"
)

// Read statuses.
const (
	StatusValid   = "valid"
	StatusEmpty   = "empty"
	StatusInvalid = "invalid"
)

// FileName is the per-instance truth file name.
func FileName(serial string, instance int) string {
	return fmt.Sprintf("truth_dev_%s_instance_%05d.json", serial, instance)
}

// Store owns the current truth folder and the instance counter that numbers
// the files written into it.
type Store struct {
	root   string
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	dir      string
	instance int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock replaces time.Now for folder naming.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore prepares a store rooted at root. Call MakeRoot before use.
func NewStore(root string, logger zerolog.Logger, opts ...StoreOption) *Store {
	if root == "" {
		root = DefaultRoot
	}
	s := &Store{root: root, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MakeRoot creates a fresh <root>/<timestamp>_truth folder and makes it
// current.
func (s *Store) MakeRoot() error {
	dir := filepath.Join(s.root, s.now().Format(folderLayout)+"_truth")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create truth folder %s", dir)
	}
	s.mu.Lock()
	s.dir = dir
	s.mu.Unlock()
	s.logger.Info().Str("dir", dir).Msg("truth folder ready")
	return nil
}

// Dir is the current truth folder.
func (s *Store) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// Path returns the truth file path for a serial and instance.
func (s *Store) Path(serial string, instance int) string {
	return filepath.Join(s.Dir(), FileName(serial, instance))
}

// Template is the printf layout for truth files in the current folder with
// the serial filled in; only the instance verb remains.
func (s *Store) Template(serial string) string {
	return filepath.Join(s.Dir(), "truth_dev_"+serial+"_instance_%05d.json")
}

// NextInstance claims one instance number.
func (s *Store) NextInstance() int {
	return s.Reserve(1)
}

// Reserve claims n consecutive instance numbers and returns the first.
func (s *Store) Reserve(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.instance
	if n > 0 {
		s.instance += n
	}
	return first
}

// Consolidate merges every truth*.json in the current folder into
// report_of_truth.json and returns its path.
func (s *Store) Consolidate() (string, error) {
	dir := s.Dir()
	if dir == "" {
		return "", errors.New("truth folder not created")
	}
	report := filepath.Join(dir, ReportName)
	if err := os.Remove(report); err != nil && !os.IsNotExist(err) {
		return "", errors.Wrap(err, "remove stale report")
	}
	paths, err := filepath.Glob(filepath.Join(dir, "truth*.json"))
	if err != nil {
		return "", errors.Wrap(err, "list truth files")
	}
	sort.Strings(paths)
	data, err := ConsolidatePaths(paths).Marshal()
	if err != nil {
		return "", errors.Wrap(err, "encode report")
	}
	if err := os.WriteFile(report, data, 0o644); err != nil {
		return "", errors.Wrap(err, "write report")
	}
	s.logger.Info().Int("files", len(paths)).Str("report", report).Msg("truth consolidated")
	return report, nil
}

// Read returns the status and contents of the consolidated report. Empty
// reports come back with no contents; invalid ones with the raw text.
func (s *Store) Read() (string, string) {
	data, err := os.ReadFile(filepath.Join(s.Dir(), ReportName))
	if err != nil {
		return StatusEmpty, ""
	}
	f, err := Parse(data)
	if err != nil {
		return StatusInvalid, string(data)
	}
	if len(f.Reports) == 0 {
		return StatusEmpty, ""
	}
	return StatusValid, string(data)
}
