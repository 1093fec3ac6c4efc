package mesh

import (
	"os"
	"path/filepath"
	"time"
)

// Detection strategy names, in evaluation order.
const (
	StrategyManifest   = "manifest"
	StrategyClaudeCode = "claude-code"
	StrategyCursor     = "cursor"
	StrategyCodex      = "codex"
	StrategyHeuristic  = "heuristic"
)

// DefaultMaxDepth bounds the discovery walk below each root.
const DefaultMaxDepth = 3

var defaultExcludedDirs = []string{
	"node_modules", ".git", "dist", "build", "target", "vendor", ".venv",
}

// Hints are best-effort attributes inferred during detection.
type Hints struct {
	SuggestedName        string   `json:"suggestedName"`
	DetectedRuntime      string   `json:"detectedRuntime"`
	InferredCapabilities []string `json:"inferredCapabilities,omitempty"`
	Description          string   `json:"description,omitempty"`
}

// Candidate is a directory a detection strategy classified as an agent
// project.
type Candidate struct {
	Path         string `json:"path"`
	Strategy     string `json:"strategy"`
	Hints        Hints  `json:"hints"`
	DiscoveredAt int64  `json:"discoveredAt"`
}

// DiscoverOptions tune the walk. Zero values take the defaults above.
type DiscoverOptions struct {
	MaxDepth     int
	ExcludedDirs []string
}

// Discover walks roots breadth-first up to MaxDepth, classifying each
// directory with the strategy chain. Symlinked directories are not followed.
// The filter drops candidates (denied or already-registered paths); a nil
// filter keeps everything. Classified directories are not descended into.
func Discover(roots []string, opts DiscoverOptions, filter func(path string) bool) []Candidate {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	excluded := make(map[string]bool)
	dirs := opts.ExcludedDirs
	if dirs == nil {
		dirs = defaultExcludedDirs
	}
	for _, d := range dirs {
		excluded[d] = true
	}

	type item struct {
		path  string
		depth int
	}
	var queue []item
	for _, root := range roots {
		queue = append(queue, item{filepath.Clean(root), 0})
	}

	now := time.Now().UnixMilli()
	var out []Candidate
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if c, ok := classify(cur.path, now); ok {
			if filter == nil || filter(cur.path) {
				out = append(out, c)
			}
			continue
		}
		if cur.depth >= maxDepth {
			continue
		}

		entries, err := os.ReadDir(cur.path)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || excluded[e.Name()] {
				continue
			}
			queue = append(queue, item{filepath.Join(cur.path, e.Name()), cur.depth + 1})
		}
	}
	return out
}

// classify runs the strategy chain; the first match wins.
func classify(dir string, now int64) (Candidate, bool) {
	base := filepath.Base(dir)

	if m, err := ReadManifestFile(dir); err == nil {
		return Candidate{
			Path:     dir,
			Strategy: StrategyManifest,
			Hints: Hints{
				SuggestedName:        m.Name,
				DetectedRuntime:      m.Runtime,
				InferredCapabilities: m.Capabilities,
				Description:          m.Description,
			},
			DiscoveredAt: now,
		}, true
	}

	for _, s := range []struct {
		sentinel string
		isDir    bool
		strategy string
	}{
		{"CLAUDE.md", false, StrategyClaudeCode},
		{".cursor", true, StrategyCursor},
		{".codex", true, StrategyCodex},
	} {
		info, err := os.Lstat(filepath.Join(dir, s.sentinel))
		if err != nil || info.IsDir() != s.isDir {
			continue
		}
		return Candidate{
			Path:     dir,
			Strategy: s.strategy,
			Hints: Hints{
				SuggestedName:        base,
				DetectedRuntime:      s.strategy,
				InferredCapabilities: inferCapabilities(dir),
			},
			DiscoveredAt: now,
		}, true
	}

	// Heuristic: a git repo with a recognizable build file is probably a
	// project someone codes in, just not with a known agent runtime.
	if dirExists(filepath.Join(dir, ".git")) {
		if caps := inferCapabilities(dir); len(caps) > 0 {
			return Candidate{
				Path:     dir,
				Strategy: StrategyHeuristic,
				Hints: Hints{
					SuggestedName:        base,
					DetectedRuntime:      RuntimeOther,
					InferredCapabilities: caps,
					Description:          "detected by heuristic (low confidence)",
				},
				DiscoveredAt: now,
			}, true
		}
	}
	return Candidate{}, false
}

func inferCapabilities(dir string) []string {
	var caps []string
	for _, f := range []struct {
		file string
		tag  string
	}{
		{"go.mod", "go"},
		{"package.json", "javascript"},
		{"pyproject.toml", "python"},
		{"Cargo.toml", "rust"},
	} {
		if fileExists(filepath.Join(dir, f.file)) {
			caps = append(caps, f.tag)
		}
	}
	return caps
}

func fileExists(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.IsDir()
}
