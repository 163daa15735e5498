// Package loaderconfig builds the loader's configuration from layers.
//
// Layers are applied in this order, later layers winning:
//   - built-in defaults (Defaults)
//   - environment sniffing (SKYLOAD_BASE_URL, SKYLOAD_MODE, ...)
//   - the user's configuration file, skyload.toml or skyload.star
//
// The configuration file is named by SKYLOAD_CONFIG or discovered by
// walking up from the working directory, stopping at the git root.
package loaderconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/albertocavalcante/skyload/internal/loader"
	"github.com/albertocavalcante/skyload/internal/mapprog"
)

// Config file names.
const (
	// ConfigStar is the Starlark config filename.
	ConfigStar = "skyload.star"
	// ConfigTOML is the TOML config filename.
	ConfigTOML = "skyload.toml"
)

// Environment variables sniffed by FromEnv.
const (
	EnvConfig  = "SKYLOAD_CONFIG"
	EnvBaseURL = "SKYLOAD_BASE_URL"
	EnvMode    = "SKYLOAD_MODE"
	EnvTimeout = "SKYLOAD_TIMEOUT"
	EnvDeps    = "SKYLOAD_DEPS"
	EnvTrace   = "SKYLOAD_TRACE"
)

// ErrConflict is returned when multiple config files exist in the same directory.
var ErrConflict = errors.New("multiple config files found in the same directory; use only one")

// ErrInvalidMode is returned for a mode other than "sync" or "async".
var ErrInvalidMode = errors.New(`mode must be "sync" or "async"`)

// File is the schema shared by skyload.toml and the dict returned by the
// configure() function of skyload.star.
type File struct {
	BaseURL        string                   `toml:"base_url"`
	Mode           string                   `toml:"mode"`
	Timeout        Duration                 `toml:"timeout"`
	Extension      string                   `toml:"extension"`
	Deps           []string                 `toml:"deps"`
	Trace          []string                 `toml:"trace"`
	Paths          map[string]string        `toml:"paths"`
	PackageMap     map[string]string        `toml:"package_map"`
	Packages       []PackageFile            `toml:"packages"`
	PackagePaths   map[string][]PackageFile `toml:"package_paths"`
	PathTransforms []TransformFile          `toml:"path_transforms"`

	// Cache pre-supplies module text keyed by qualified name.
	Cache map[string]string `toml:"cache"`
}

// PackageFile describes one package.
type PackageFile struct {
	Name           string            `toml:"name"`
	Location       string            `toml:"location"`
	Lib            string            `toml:"lib"`
	Main           string            `toml:"main"`
	PackageMap     map[string]string `toml:"package_map"`
	Paths          map[string]string `toml:"paths"`
	PathTransforms []TransformFile   `toml:"path_transforms"`
}

// TransformFile is a regexp path transform.
type TransformFile struct {
	Pattern     string `toml:"pattern"`
	Replacement string `toml:"replacement"`
}

// Duration wraps time.Duration for TOML string parsing.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	if d.Duration == 0 {
		return nil, nil
	}
	return []byte(d.Duration.String()), nil
}

// Config converts the file into a loader configuration layer.
func (f *File) Config() (*loader.Config, error) {
	mode, err := ParseMode(f.Mode)
	if err != nil {
		return nil, err
	}
	cfg := &loader.Config{
		BaseURL:    f.BaseURL,
		Mode:       mode,
		Timeout:    f.Timeout.Duration,
		Extension:  f.Extension,
		Deps:       append([]string(nil), f.Deps...),
		Paths:      copyStrings(f.Paths),
		PackageMap: copyStrings(f.PackageMap),
		Trace:      TraceSet(f.Trace),
	}
	for _, pf := range f.Packages {
		pc, err := pf.config()
		if err != nil {
			return nil, err
		}
		cfg.Packages = append(cfg.Packages, pc)
	}
	for base, packs := range f.PackagePaths {
		if cfg.PackagePaths == nil {
			cfg.PackagePaths = make(map[string][]loader.PackageConfig)
		}
		for _, pf := range packs {
			pc, err := pf.config()
			if err != nil {
				return nil, err
			}
			cfg.PackagePaths[base] = append(cfg.PackagePaths[base], pc)
		}
	}
	if cfg.PathTransforms, err = compileTransforms(f.PathTransforms); err != nil {
		return nil, err
	}
	if len(f.Cache) > 0 {
		cfg.Cache = make(map[string]any, len(f.Cache))
		for pqn, text := range f.Cache {
			cfg.Cache[pqn] = text
		}
	}
	return cfg, nil
}

func (pf PackageFile) config() (loader.PackageConfig, error) {
	if pf.Name == "" {
		return loader.PackageConfig{}, errors.New("package without a name")
	}
	transforms, err := compileTransforms(pf.PathTransforms)
	if err != nil {
		return loader.PackageConfig{}, fmt.Errorf("package %s: %w", pf.Name, err)
	}
	return loader.PackageConfig{
		Name:           pf.Name,
		Location:       pf.Location,
		Lib:            pf.Lib,
		Main:           pf.Main,
		PackageMap:     copyStrings(pf.PackageMap),
		Paths:          copyStrings(pf.Paths),
		PathTransforms: transforms,
	}, nil
}

func compileTransforms(files []TransformFile) ([]mapprog.Transform, error) {
	var out []mapprog.Transform
	for _, tf := range files {
		t, err := mapprog.NewRegexpTransform(tf.Pattern, tf.Replacement)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func copyStrings(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ParseMode validates an acquisition mode. The empty string is accepted and
// leaves the mode unset.
func ParseMode(s string) (loader.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case string(loader.ModeSync):
		return loader.ModeSync, nil
	case string(loader.ModeAsync):
		return loader.ModeAsync, nil
	default:
		return "", fmt.Errorf("%w, got %q", ErrInvalidMode, s)
	}
}

// TraceSet turns a list of trace groups into the loader's trace map. The
// group "all" enables every group in loader.TraceGroups.
func TraceSet(groups []string) map[string]bool {
	if len(groups) == 0 {
		return nil
	}
	set := make(map[string]bool)
	for _, g := range groups {
		g = strings.TrimSpace(g)
		switch g {
		case "":
		case "all":
			for _, name := range loader.TraceGroups {
				set[name] = true
			}
		default:
			set[g] = true
		}
	}
	return set
}

// Defaults returns the built-in configuration layer.
func Defaults() *loader.Config {
	return &loader.Config{
		BaseURL:   "./",
		Mode:      loader.ModeSync,
		Extension: loader.DefaultExtension,
	}
}

// FromEnv returns the layer sniffed from SKYLOAD_* environment variables.
func FromEnv() (*loader.Config, error) {
	cfg := &loader.Config{BaseURL: os.Getenv(EnvBaseURL)}

	mode, err := ParseMode(os.Getenv(EnvMode))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvMode, err)
	}
	cfg.Mode = mode

	if s := os.Getenv(EnvTimeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid duration %q: %w", EnvTimeout, s, err)
		}
		cfg.Timeout = d
	}
	cfg.Deps = splitList(os.Getenv(EnvDeps))
	cfg.Trace = TraceSet(splitList(os.Getenv(EnvTrace)))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load loads a configuration file. The format is chosen by extension.
func Load(path string) (*loader.Config, error) {
	var (
		f   *File
		err error
	)
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		f, err = LoadTOML(path)
	case ".star", ".sky":
		f, err = LoadStarlark(path, DefaultStarlarkTimeout)
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s (expected .star or .toml)", ext)
	}
	if err != nil {
		return nil, err
	}
	cfg, err := f.Config()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Discover searches for a configuration file.
//
// Resolution order:
//  1. If SKYLOAD_CONFIG is set, use that path
//  2. Walk up from startDir looking for skyload.star or skyload.toml,
//     stopping at the git root
//
// Returns the loaded layer and its path, or (nil, "", nil) when there is none.
func Discover(startDir string) (*loader.Config, string, error) {
	if envPath := os.Getenv(EnvConfig); envPath != "" {
		cfg, err := Load(envPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", EnvConfig, err)
		}
		return cfg, envPath, nil
	}

	if startDir == "" {
		var err error
		startDir, err = os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("getting working directory: %w", err)
		}
	}
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, "", fmt.Errorf("resolving path: %w", err)
	}

	gitRoot := findGitRoot(absDir)
	dir := absDir
	for {
		configPath, err := findConfigInDir(dir)
		if err != nil {
			return nil, "", err
		}
		if configPath != "" {
			cfg, err := Load(configPath)
			if err != nil {
				return nil, "", err
			}
			return cfg, configPath, nil
		}

		if gitRoot != "" && dir == gitRoot {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil, "", nil
}

// Resolve merges the defaults, the environment and the user's file. path
// names the file explicitly; when empty the file is discovered from startDir.
// The returned string is the file used, if any.
func Resolve(startDir, path string) (*loader.Config, string, error) {
	cfg := Defaults()

	env, err := FromEnv()
	if err != nil {
		return nil, "", err
	}
	cfg.Merge(env)

	var user *loader.Config
	if path != "" {
		user, err = Load(path)
	} else {
		user, path, err = Discover(startDir)
	}
	if err != nil {
		return nil, "", err
	}
	cfg.Merge(user)
	return cfg, path, nil
}

func findConfigInDir(dir string) (string, error) {
	var found []string
	for _, name := range []string{ConfigStar, ConfigTOML} {
		if fileExists(filepath.Join(dir, name)) {
			found = append(found, name)
		}
	}
	switch len(found) {
	case 0:
		return "", nil
	case 1:
		return filepath.Join(dir, found[0]), nil
	default:
		return "", fmt.Errorf("%w: found %s in %s", ErrConflict, strings.Join(found, ", "), dir)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// findGitRoot returns the nearest ancestor holding .git, or "".
func findGitRoot(startDir string) string {
	dir := startDir
	for {
		if fileExists(filepath.Join(dir, ".git")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
