package truth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// WriteNumbered writes the contents of every non-empty get_truth reply as
// truth_report_<slot>.json in dir. Replies look like [report, status, body].
func WriteNumbered(dir string, replies [][]string) ([]string, error) {
	var written []string
	for idx, reply := range replies {
		if len(reply) < 3 || reply[1] == StatusEmpty || reply[2] == "" {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("truth_report_%03d.json", idx))
		if err := os.WriteFile(path, []byte(reply[2]), 0o644); err != nil {
			return written, errors.Wrapf(err, "write %s", path)
		}
		written = append(written, path)
	}
	return written, nil
}

// NextFreeName returns path unchanged when nothing exists there, otherwise
// the first name with a three digit counter before .json that is free.
func NextFreeName(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	base := strings.TrimSuffix(path, ".json")
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("%s%03d.json", base, i)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
