package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// InputExt is the structure-file extension every docking input must carry.
const InputExt = ".pdb"

// OutputPrefix derives the artifact prefix from the input path by dropping
// the structure extension. The directory part is kept so artifacts land next
// to the input.
func OutputPrefix(inputFile string) string {
	return strings.TrimSuffix(inputFile, InputExt)
}

// OutputName is the per-trial base name: <prefix>_<index>.
func OutputName(prefix string, index int) string {
	return fmt.Sprintf("%s_%d", prefix, index)
}

func ScriptPath(outputName string) string    { return outputName + ".sh" }
func PreFilterPath(outputName string) string { return outputName + "_pre_filter.json" }
func StdoutPath(outputName string) string    { return outputName + ".out" }
func StderrPath(outputName string) string    { return outputName + ".err" }
func DecoyPath(outputName string) string     { return outputName + InputExt }
func MarkerPath(outputName string) string    { return outputName + ".in_progress" }

// ScoreFilePath is the per-deployment score table written by serial runs.
func ScoreFilePath(prefix string) string { return prefix + ".fasc" }

// Artifacts lists the files a deployment generated for prefix: launch
// scripts, scheduler logs, pre-filter copies and in-progress markers. Decoy
// structures and the score table are results and are not included.
func Artifacts(prefix string) ([]string, error) {
	dir, base := filepath.Split(prefix)
	if dir == "" {
		dir = "."
	}

	pattern := escapeMeta(base) + "_*{.sh,.out,.err,_pre_filter.json,.in_progress}"
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob artifacts: %w", err)
	}

	var files []string
	for _, m := range matches {
		if !isTrialArtifact(base, m) {
			continue
		}
		files = append(files, filepath.Join(dir, m))
	}
	sort.Strings(files)
	return files, nil
}

// Clean removes the artifacts of prefix and returns the removed paths.
func Clean(prefix string) ([]string, error) {
	files, err := Artifacts(prefix)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove %s: %w", f, err)
		}
		removed = append(removed, f)
	}
	return removed, nil
}

// isTrialArtifact rejects matches where the text between the prefix and the
// suffix is not a trial index, e.g. complex_old_0.sh for prefix complex.
func isTrialArtifact(base, name string) bool {
	rest := strings.TrimPrefix(name, base+"_")
	for _, suffix := range []string{"_pre_filter.json", ".in_progress", ".sh", ".out", ".err"} {
		if strings.HasSuffix(rest, suffix) {
			rest = strings.TrimSuffix(rest, suffix)
			break
		}
	}
	if rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func escapeMeta(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
