package confkit

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/joho/godotenv"
)

// maxWalkUp bounds upward directory traversal when searching for repo markers.
const maxWalkUp = 8

var dotenvOnce sync.Once

// LoadDotenvOnce loads environment variables from a .env file. The search
// runs once per process; later calls are no-ops. Existing variables win
// unless DOTENV_OVERLOAD=1, and NO_DOTENV=1 disables loading entirely.
// ENV_FILE points at an explicit file and skips the search.
func LoadDotenvOnce() {
	dotenvOnce.Do(loadDotenv)
}

func loadDotenv() {
	if os.Getenv("NO_DOTENV") == "1" {
		return
	}

	overload := os.Getenv("DOTENV_OVERLOAD") == "1"
	load := func(paths ...string) {
		if overload {
			_ = godotenv.Overload(paths...)
		} else {
			_ = godotenv.Load(paths...)
		}
	}

	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		load(envFile)
		return
	}

	if start, ok := callerDir(); ok {
		walkUp(start, func(dir string) bool {
			load(filepath.Join(dir, ".env"))
			return isRepoRoot(dir)
		})
		return
	}

	load(".env")
}

// ProjectRoot locates the repository root by walking upwards from this
// source file until it finds go.mod or .git. Falls back to the working
// directory when the source location is unavailable.
func ProjectRoot() (string, error) {
	if start, ok := callerDir(); ok {
		root := ""
		walkUp(start, func(dir string) bool {
			if isRepoRoot(dir) {
				root = dir
				return true
			}
			return false
		})
		if root != "" {
			return root, nil
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		return ".", fmt.Errorf("getwd: %w", err)
	}
	return wd, nil
}

// MustProjectRoot returns the repository root path or panics on failure.
func MustProjectRoot() string {
	root, err := ProjectRoot()
	if err != nil {
		panic(err)
	}
	return root
}

// ProjectPath joins the repository root with the provided relative path.
func ProjectPath(rel string) (string, error) {
	root, err := ProjectRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, rel), nil
}

// MustProjectPath returns ProjectPath(rel) and panics on failure.
func MustProjectPath(rel string) string {
	p, err := ProjectPath(rel)
	if err != nil {
		panic(err)
	}
	return p
}

// callerDir reports the directory of this source file, the anchor for
// walk-up searches in checkouts where the binary runs outside the repo.
func callerDir() (string, bool) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", false
	}
	return filepath.Dir(file), true
}

// walkUp visits dir and up to maxWalkUp ancestors, stopping when visit
// returns true or the filesystem root is reached.
func walkUp(dir string, visit func(string) bool) {
	for i := 0; i < maxWalkUp; i++ {
		if visit(dir) {
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func isRepoRoot(dir string) bool {
	return fileExists(filepath.Join(dir, "go.mod")) || fileExists(filepath.Join(dir, ".git"))
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	if _, err := os.Stat(p); err == nil {
		return true
	}
	return false
}
