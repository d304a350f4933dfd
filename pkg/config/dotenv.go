package config

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is read when no env file is given
const DefaultEnvFile = ".env"

// DotEnvLoader implements Provider on top of .env files. File values are
// layered over the base environment without touching the process
// environment; later files win over earlier ones.
type DotEnvLoader struct {
	*Loader
	envFiles []string
}

// NewDotEnvLoader creates a loader reading envFiles over the process
// environment. Files that do not exist are skipped.
func NewDotEnvLoader(envFiles ...string) Provider {
	if len(envFiles) == 0 {
		envFiles = []string{DefaultEnvFile}
	}
	return &DotEnvLoader{
		Loader:   &Loader{envLoader: &OSEnvLoader{}},
		envFiles: envFiles,
	}
}

// Load reads the env files and loads the configuration from the layered environment
func (d *DotEnvLoader) Load() (*Config, error) {
	values := map[string]string{}
	for _, path := range d.envFiles {
		fileValues, err := godotenv.Read(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, NewEnvFileError(path, err)
		}
		for k, v := range fileValues {
			values[k] = v
		}
	}

	layered := &Loader{envLoader: &fileEnv{values: values, base: d.envLoader}}
	return layered.LoadFromEnv()
}

// fileEnv answers from the env file values first, then from base
type fileEnv struct {
	values map[string]string
	base   EnvLoader
}

func (f *fileEnv) Getenv(key string) string {
	v, _ := f.LookupEnv(key)
	return v
}

func (f *fileEnv) LookupEnv(key string) (string, bool) {
	if v, ok := f.values[key]; ok {
		return v, true
	}
	return f.base.LookupEnv(key)
}

// EnvFileError represents an error reading a .env file
type EnvFileError struct {
	FilePath string
	Err      error
}

func NewEnvFileError(filePath string, err error) *EnvFileError {
	return &EnvFileError{FilePath: filePath, Err: err}
}

func (e *EnvFileError) Error() string {
	return "failed to load .env file '" + e.FilePath + "': " + e.Err.Error()
}

func (e *EnvFileError) Unwrap() error {
	return e.Err
}

// LoadWithEnvFile loads the configuration from the environment and envFiles
func LoadWithEnvFile(envFiles ...string) (*Config, error) {
	return NewDotEnvLoader(envFiles...).Load()
}

