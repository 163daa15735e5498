package loader

import (
	"strings"
	"time"

	"github.com/albertocavalcante/skyload/internal/mapprog"
)

// Mode selects how resources are acquired.
type Mode string

const (
	// ModeSync fetches and evaluates resources inline, blocking the caller.
	ModeSync Mode = "sync"
	// ModeAsync injects resources and returns; arrivals are processed by Wait.
	ModeAsync Mode = "async"
)

// DefaultExtension is appended to module locations.
const DefaultExtension = ".star"

// DefaultReadyPriority is the priority used by OnReady.
const DefaultReadyPriority = 1000

// TraceGroups lists every trace group the loader emits.
var TraceGroups = []string{
	"loader-define",
	"loader-defineModule",
	"loader-execModule",
	"loader-execModule-out",
	"loader-inject",
	"loader-runFactory",
	"loader-undef",
}

// Config is one configuration layer. Layers are combined with Merge and
// applied with New or Loader.Configure; zero fields leave the loader unchanged.
type Config struct {
	// BaseURL prefixes every relative location. A trailing slash is added.
	BaseURL string

	// Mode is fixed when the loader is created; later layers cannot change it.
	Mode Mode

	// Timeout bounds how long the waiting set may stay non-empty in
	// asynchronous mode. Zero disables the watchdog.
	Timeout time.Duration

	// Extension is appended to computed module locations.
	Extension string

	// Paths maps module path prefixes to locations.
	Paths map[string]string

	// Packages registers packages.
	Packages []PackageConfig

	// PackagePaths registers packages grouped under a common location.
	PackagePaths map[string][]PackageConfig

	// PackageMap remaps package names to registered package identifiers.
	PackageMap map[string]string

	// PathTransforms rewrite non-package module paths into locations.
	PathTransforms []mapprog.Transform

	// Cache pre-supplies resources keyed by qualified name. A module entry is
	// source text (string) evaluated in place of a fetch or a func() that
	// defines the module; a plugin resource entry is its value.
	Cache map[string]any

	// Trace enables trace groups such as "loader-inject".
	Trace map[string]bool

	// Deps are requested once the layer is applied.
	Deps []string

	// Callback receives the values of Deps.
	Callback Callback

	// Ready is queued on the ready queue once the layer is applied.
	Ready func() error
}

// PackageConfig describes one package.
type PackageConfig struct {
	// Name is the package identifier.
	Name string
	// Location is where the package lives; defaults to Name.
	Location string
	// Lib is the subfolder holding modules; defaults to "lib". Use "." for none.
	Lib string
	// Main is the module loaded for the bare package name; defaults to "main".
	Main string
	// PackageMap remaps package names for modules inside this package.
	PackageMap map[string]string
	// Paths are merged into the global paths.
	Paths map[string]string
	// PathTransforms apply to modules of this package before location decoration.
	PathTransforms []mapprog.Transform
}

// Package is a registered package.
type Package struct {
	Name           string
	Location       string
	Lib            string
	Main           string
	PackageMap     map[string]string
	PathTransforms []mapprog.Transform

	mapProg mapprog.Program
}

// Merge combines other into c. Scalars in other replace non-empty values in c,
// maps are mixed key by key, lists are appended. Callback and Ready from
// other replace those of c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.BaseURL != "" {
		c.BaseURL = other.BaseURL
	}
	if other.Mode != "" {
		c.Mode = other.Mode
	}
	if other.Timeout != 0 {
		c.Timeout = other.Timeout
	}
	if other.Extension != "" {
		c.Extension = other.Extension
	}
	c.Paths = mixStrings(c.Paths, other.Paths)
	c.PackageMap = mixStrings(c.PackageMap, other.PackageMap)
	c.Packages = append(c.Packages, other.Packages...)
	for base, packs := range other.PackagePaths {
		if c.PackagePaths == nil {
			c.PackagePaths = make(map[string][]PackageConfig)
		}
		c.PackagePaths[base] = append(c.PackagePaths[base], packs...)
	}
	c.PathTransforms = append(c.PathTransforms, other.PathTransforms...)
	for k, v := range other.Cache {
		if c.Cache == nil {
			c.Cache = make(map[string]any)
		}
		c.Cache[k] = v
	}
	for k, v := range other.Trace {
		if c.Trace == nil {
			c.Trace = make(map[string]bool)
		}
		c.Trace[k] = v
	}
	c.Deps = append(c.Deps, other.Deps...)
	if other.Callback != nil {
		c.Callback = other.Callback
	}
	if other.Ready != nil {
		c.Ready = other.Ready
	}
}

func mixStrings(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func isReservedID(id string) bool {
	switch id {
	case "require", "exports", "module":
		return true
	}
	return false
}

// configure applies a layer to the loader. When booting, the layer's deps,
// callback and ready function are not run.
func (l *Loader) configure(cfg *Config, booting bool) error {
	if cfg == nil {
		return nil
	}
	if booting && cfg.Mode != "" {
		l.mode = cfg.Mode
	} else if cfg.Mode != "" && cfg.Mode != l.mode {
		l.log.Warn("mode is fixed at boot; ignoring", "mode", cfg.Mode, "current", l.mode)
	}
	if cfg.Timeout != 0 {
		l.timeout = cfg.Timeout
	}
	if cfg.Extension != "" {
		l.extension = cfg.Extension
	}
	if cfg.BaseURL != "" {
		l.baseURL = cfg.BaseURL
	}
	if l.baseURL == "" {
		l.baseURL = "./"
	} else if !strings.HasSuffix(l.baseURL, "/") {
		l.baseURL += "/"
	}
	for group, on := range cfg.Trace {
		l.traceSet[group] = on
	}

	l.pathTransforms = append(l.pathTransforms, cfg.PathTransforms...)

	for _, pc := range cfg.Packages {
		l.registerPackage(pc, "")
	}
	l.paths = mixStrings(l.paths, cfg.Paths)
	for base, packs := range cfg.PackagePaths {
		for _, pc := range packs {
			l.registerPackage(pc, base+"/")
		}
	}
	l.pathsProg = mapprog.Compile(l.paths)

	for from, to := range cfg.PackageMap {
		if isReservedID(from) {
			l.log.Warn("ignoring package map entry for reserved id", "id", from)
			continue
		}
		l.packageMap[from] = to
	}
	l.packageMapProg = mapprog.Compile(l.packageMap)

	for pqn, v := range cfg.Cache {
		l.cache[pqn] = v
	}

	if booting {
		return nil
	}
	return l.doWork(cfg.Deps, cfg.Callback, cfg.Ready)
}

// registerPackage computes the final package description and adds it to the
// registry. Re-registering a name only adds mappings and transforms.
func (l *Loader) registerPackage(pc PackageConfig, base string) {
	if pc.Name == "" || isReservedID(pc.Name) {
		l.log.Warn("ignoring package with invalid name", "name", pc.Name)
		return
	}
	l.paths = mixStrings(l.paths, pc.Paths)

	if existing, ok := l.packages[pc.Name]; ok {
		existing.PackageMap = mixStrings(existing.PackageMap, pc.PackageMap)
		existing.PathTransforms = append(existing.PathTransforms, pc.PathTransforms...)
		existing.mapProg = mapprog.Compile(existing.PackageMap)
		l.log.Debug("merged package configuration", "package", pc.Name)
		return
	}

	pack := &Package{
		Name:           pc.Name,
		Lib:            pc.Lib,
		Main:           pc.Main,
		PackageMap:     mixStrings(nil, pc.PackageMap),
		PathTransforms: append([]mapprog.Transform(nil), pc.PathTransforms...),
	}
	if pack.Lib == "" {
		pack.Lib = "lib"
	}
	if pack.Main == "" {
		pack.Main = "main"
	}
	location := pc.Location
	if location == "" {
		location = pc.Name
	}
	pack.Location = base + location
	pack.mapProg = mapprog.Compile(pack.PackageMap)

	l.packages[pack.Name] = pack
	l.packageMap[pack.Name] = pack.Name
}

// Packages returns the registered package names.
func (l *Loader) Packages() []string {
	names := make([]string, 0, len(l.packages))
	for name := range l.packages {
		names = append(names, name)
	}
	sortStrings(names)
	return names
}

// Package returns a registered package.
func (l *Loader) Package(name string) (*Package, bool) {
	p, ok := l.packages[name]
	return p, ok
}
