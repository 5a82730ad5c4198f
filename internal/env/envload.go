package env

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// FileKey names an explicit .env file and skips the directory search.
const FileKey = "RECOVERY_ENV_FILE"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads RecoveryAgent settings from a .env file once per process:
// the workspace root, build concurrency and retry knobs (RECOVERY_*), the
// artifact mirror credentials (RECOVERY_MIRROR_*), the Feishu app and
// build table (FEISHU_*) and tracing (RECOVERY_OTEL_*). The file named by
// RECOVERY_ENV_FILE wins; otherwise the nearest .env from the working
// directory upwards is used. Variables already set in the environment are
// never overridden. Test binaries skip loading unless GOTEST_LOAD_DOTENV=1.
func Ensure() error {
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		path, err := resolveDotEnv()
		if err != nil {
			loadErr = err
			log.Debug().Err(err).Msg("search .env failed")
			return
		}
		if path == "" {
			return
		}
		if err := godotenv.Load(path); err != nil {
			loadErr = err
			log.Warn().Err(err).Str("dotenv", path).Msg("load .env failed")
			return
		}
		loadedPath = path
		log.Debug().Str("dotenv", path).Msg("settings loaded from .env")
	})
	return loadErr
}

// LoadedPath returns the .env path Ensure loaded, or "".
func LoadedPath() string {
	return loadedPath
}

func resolveDotEnv() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(FileKey)); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return findDotEnv(wd)
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

// findDotEnv walks from dir up to the filesystem root.
func findDotEnv(dir string) (string, error) {
	for {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
