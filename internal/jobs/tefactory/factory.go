package tefactory

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/testerman/testerman/internal/common/logger"
	"go.uber.org/zap"
)

// ErrSyntax reports a TE rejected by the configured syntax checker.
var ErrSyntax = errors.New("syntax check failed")

// The staged package layout.
const (
	stagingSrcDir  = "src"
	mainModuleName = "__main__"
	artefactName   = "te.tar.gz"
	manifestName   = "package.yml"
)

// defaultTemplate is the built-in main-module template, used when no
// template file is configured for the script's language API. It wraps
// the script source with the bootstrap the default python interpreter
// expects; other language APIs bring their own template.
const defaultTemplate = `#!/usr/bin/env python
# Test executable generated by ${server_name} ${server_version} on ${gen_time}.
# ATS: ${name}
import sys

sys.path.insert(0, 'repository')
sys.path.insert(0, '${ats_dir}')

TESTERMAN_JOB_METADATA = ${metadata_json}
TESTERMAN_MAX_LOG_PAYLOAD_SIZE = ${max_log_payload_size}

${source}
`

// Config parameterizes executable generation and invocation.
type Config struct {
	TemplatePath      string            // overrides the built-in template for the default API
	APITemplates      map[string]string // language API -> template file
	CheckCommand      []string          // TE checker argv; "{}" expands to the TE filename
	Interpreter       string
	InterpreterArgs   []string
	TacsHost          string
	TacsPort          int
	IlHost            string
	IlPort            int
	MaxLogPayloadSize int
	ModulePaths       []string // exported to the TE as its module search path
	PackageInit       string   // file touched in intermediate dependency directories
	ServerName        string
	ServerVersion     string
}

// Factory turns script sources into staged, runnable TE packages.
type Factory struct {
	cfg Config
	log *logger.Logger
}

// New builds a factory. Zero config fields get conservative defaults.
func New(cfg Config, log *logger.Logger) *Factory {
	if cfg.PackageInit == "" {
		cfg.PackageInit = "__init__.py"
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = "/usr/bin/env"
		if len(cfg.InterpreterArgs) == 0 {
			cfg.InterpreterArgs = []string{"python"}
		}
	}
	return &Factory{cfg: cfg, log: log.WithFields(zap.String("component", "te-factory"))}
}

var tokenRe = regexp.MustCompile(`\$\{([a-zA-Z_0-9-]+)\}`)

// substituteTokens replaces ${name} tokens with their value, leaving
// unknown names untouched. A _json suffix requests the JSON encoding of
// the underlying value, which keeps generated code syntactically valid.
func substituteTokens(s string, values map[string]interface{}) string {
	return tokenRe.ReplaceAllStringFunc(s, func(token string) string {
		name := token[2 : len(token)-1]
		if v, ok := values[name]; ok {
			return fmt.Sprintf("%v", v)
		}
		if base, ok := strings.CutSuffix(name, "_json"); ok {
			if v, ok := values[base]; ok {
				if encoded, err := json.Marshal(v); err == nil {
					return string(encoded)
				}
			}
		}
		return token
	})
}

// template returns the main-module template for a language API.
func (f *Factory) template(api string) (string, error) {
	if api == "" || api == DefaultAPI {
		if f.cfg.TemplatePath == "" {
			return defaultTemplate, nil
		}
		content, err := os.ReadFile(f.cfg.TemplatePath)
		if err != nil {
			return "", fmt.Errorf("unable to read TE template: %w", err)
		}
		return string(content), nil
	}
	templatePath, ok := f.cfg.APITemplates[api]
	if !ok {
		return "", fmt.Errorf("unsupported language API %q", api)
	}
	content, err := os.ReadFile(templatePath)
	if err != nil {
		return "", fmt.Errorf("unable to read TE template for API %s: %w", api, err)
	}
	return string(content), nil
}

// CreateExecutable renders the TE main module for a script: the source
// embedded in the template selected by the metadata's language API,
// parameterized with the generation context. atsDir is the script's
// repository directory, without leading slash, as seen from inside the
// staged package.
func (f *Factory) CreateExecutable(name, source, atsDir string, meta *Metadata) (string, error) {
	template, err := f.template(meta.API)
	if err != nil {
		return "", err
	}
	now := time.Now()
	values := map[string]interface{}{
		"name":                 name,
		"source":               source,
		"ats_dir":              atsDir,
		"metadata":             meta.toMap(),
		"gen_timestamp":        now.Unix(),
		"gen_time":             now.UTC().Format("20060102 15:04:05 UTC"),
		"server_name":          f.cfg.ServerName,
		"server_version":       f.cfg.ServerVersion,
		"tacs_ip":              f.cfg.TacsHost,
		"tacs_port":            f.cfg.TacsPort,
		"il_ip":                f.cfg.IlHost,
		"il_port":              f.cfg.IlPort,
		"max_log_payload_size": f.cfg.MaxLogPayloadSize,
	}
	return substituteTokens(template, values), nil
}

// Check runs the configured checker against a rendered TE. A checker
// rejection is reported as ErrSyntax; any other failure means the check
// could not be performed at all. Without a configured checker the TE is
// accepted as-is.
func (f *Factory) Check(ctx context.Context, te string) error {
	if len(f.cfg.CheckCommand) == 0 {
		return nil
	}
	tmp, err := os.CreateTemp("", "testerman-te-*.check")
	if err != nil {
		return fmt.Errorf("unable to stage TE for checking: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(te); err != nil {
		tmp.Close()
		return fmt.Errorf("unable to stage TE for checking: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("unable to stage TE for checking: %w", err)
	}

	args := make([]string, 0, len(f.cfg.CheckCommand)+1)
	replaced := false
	for _, arg := range f.cfg.CheckCommand {
		if arg == "{}" {
			args = append(args, tmp.Name())
			replaced = true
			continue
		}
		args = append(args, arg)
	}
	if !replaced {
		args = append(args, tmp.Name())
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s", ErrSyntax, strings.TrimSpace(string(output)))
		}
		return fmt.Errorf("unable to run TE checker: %w", err)
	}
	return nil
}

// Dependency is a resolved repository file to embed in a TE package.
type Dependency struct {
	TargetPath string // path under the staged src tree, e.g. repository/lib/util.py
	Content    []byte
}

// StagedTE describes a staged, packaged test executable.
type StagedTE struct {
	Dir      string   // staging root, removable as a whole
	Main     string   // main module path relative to Dir
	Artefact string   // tar.gz artefact path relative to Dir
	Sources  []string // packaged files relative to the src tree
}

type teManifest struct {
	Name      string   `yaml:"name"`
	Version   string   `yaml:"version"`
	ATS       string   `yaml:"ats"`
	Generated string   `yaml:"generated"`
	Sources   []string `yaml:"sources"`
}

// Stage writes the rendered TE and its dependencies into a fresh
// staging tree and packages everything into a tar.gz artefact:
//
//	<dir>/src/__main__            the rendered main module
//	<dir>/src/repository/...      staged dependencies
//	<dir>/src/package.yml         package manifest
//	<dir>/te.tar.gz               the packaged src tree
//
// The staging tree is kept alongside the artefact; the whole directory
// is later moved under the archives for the run.
func (f *Factory) Stage(name, te string, deps []Dependency) (*StagedTE, error) {
	dir, err := os.MkdirTemp("", "testerman-te-")
	if err != nil {
		return nil, fmt.Errorf("unable to create staging directory: %w", err)
	}
	staged, err := f.stage(dir, name, te, deps)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	f.log.Debug("TE staged",
		zap.String("ats", name),
		zap.String("dir", dir),
		zap.Int("files", len(staged.Sources)))
	return staged, nil
}

func (f *Factory) stage(dir, name, te string, deps []Dependency) (*StagedTE, error) {
	srcRoot := filepath.Join(dir, stagingSrcDir)
	if err := os.MkdirAll(srcRoot, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create staging tree: %w", err)
	}
	mainPath := filepath.Join(srcRoot, mainModuleName)
	if err := os.WriteFile(mainPath, []byte(te), 0o755); err != nil {
		return nil, fmt.Errorf("unable to write TE main module: %w", err)
	}
	sources := []string{mainModuleName}

	initialized := make(map[string]bool)
	for _, dep := range deps {
		target := path.Clean(strings.TrimPrefix(dep.TargetPath, "/"))
		if target == "." || strings.HasPrefix(target, "..") {
			return nil, fmt.Errorf("invalid dependency target %q", dep.TargetPath)
		}
		// Each intermediate directory becomes an importable package.
		for d := path.Dir(target); d != "."; d = path.Dir(d) {
			if initialized[d] {
				continue
			}
			initialized[d] = true
			if err := os.MkdirAll(filepath.Join(srcRoot, filepath.FromSlash(d)), 0o755); err != nil {
				return nil, fmt.Errorf("unable to create dependency directory: %w", err)
			}
			initPath := path.Join(d, f.cfg.PackageInit)
			if err := os.WriteFile(filepath.Join(srcRoot, filepath.FromSlash(initPath)), nil, 0o644); err != nil {
				return nil, fmt.Errorf("unable to create package init file: %w", err)
			}
			sources = append(sources, initPath)
		}
		if err := os.WriteFile(filepath.Join(srcRoot, filepath.FromSlash(target)), dep.Content, 0o644); err != nil {
			return nil, fmt.Errorf("unable to stage dependency %s: %w", target, err)
		}
		sources = append(sources, target)
	}

	manifest := teManifest{
		Name:      "testerman-te",
		Version:   "1.0.0",
		ATS:       name,
		Generated: time.Now().UTC().Format(time.RFC3339),
		Sources:   sources,
	}
	encoded, err := yaml.Marshal(&manifest)
	if err != nil {
		return nil, fmt.Errorf("unable to encode package manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(srcRoot, manifestName), encoded, 0o644); err != nil {
		return nil, fmt.Errorf("unable to write package manifest: %w", err)
	}

	artefact := filepath.Join(dir, artefactName)
	packaged := append(append([]string{}, sources...), manifestName)
	sort.Strings(packaged)
	if err := buildArchive(artefact, srcRoot, packaged); err != nil {
		return nil, fmt.Errorf("unable to package TE: %w", err)
	}

	return &StagedTE{
		Dir:      dir,
		Main:     path.Join(stagingSrcDir, mainModuleName),
		Artefact: artefactName,
		Sources:  sources,
	}, nil
}

// buildArchive writes the listed src-relative files into a tar.gz.
func buildArchive(artefact, srcRoot string, files []string) error {
	out, err := os.Create(artefact)
	if err != nil {
		return err
	}
	defer out.Close()
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, name := range files {
		if err := addArchiveFile(tw, srcRoot, name); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Close()
}

func addArchiveFile(tw *tar.Writer, srcRoot, name string) error {
	full := filepath.Join(srcRoot, filepath.FromSlash(name))
	info, err := os.Stat(full)
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	in, err := os.Open(full)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(tw, in)
	return err
}

// CommandLine is everything needed to spawn a TE.
type CommandLine struct {
	Executable string
	Args       []string // full argv, Args[0] being the executable
	Env        []string // entries appended to the inherited environment
}

// CreateCommandLine builds the server-controlled invocation of a staged
// TE. The flag contract is fixed: generated executables of any language
// API accept the same set.
func (f *Factory) CreateCommandLine(jobID int, teFilename, logFilename, inputSessionFilename, outputSessionFilename string, selectedGroups []string) CommandLine {
	args := make([]string, 0, 24)
	args = append(args, f.cfg.Interpreter)
	args = append(args, f.cfg.InterpreterArgs...)
	args = append(args, teFilename,
		"--server-controlled",
		"--job-id", strconv.Itoa(jobID),
		"--remote-log-filename", logFilename,
		"--input-session-filename", inputSessionFilename,
		"--output-session-filename", outputSessionFilename,
		"--tacs-ip", f.cfg.TacsHost,
		"--tacs-port", strconv.Itoa(f.cfg.TacsPort),
		"--il-ip", f.cfg.IlHost,
		"--il-port", strconv.Itoa(f.cfg.IlPort),
	)
	if len(selectedGroups) > 0 {
		args = append(args, "--groups", strings.Join(selectedGroups, ","))
	}
	env := []string{
		"TESTERMAN_SERVER=" + f.cfg.ServerName,
		"TESTERMAN_MODULE_PATHS=" + strings.Join(f.cfg.ModulePaths, ":"),
	}
	return CommandLine{Executable: f.cfg.Interpreter, Args: args, Env: env}
}

// DumpSession serializes session parameters for a TE input session file.
func DumpSession(session map[string]interface{}) ([]byte, error) {
	encoded, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("unable to encode session: %w", err)
	}
	return encoded, nil
}

// LoadSession parses a session file produced by a TE.
func LoadSession(data []byte) (map[string]interface{}, error) {
	session := make(map[string]interface{})
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unable to decode session: %w", err)
	}
	return session, nil
}

// LogBasename derives the per-run base name of a job's artefacts:
// <yyyymmdd>-<hhmmss>-<ms>-<jobid>-<username>.
func LogBasename(t time.Time, jobID int, username string) string {
	return fmt.Sprintf("%s-%03d-%d-%s", t.Format("20060102-150405"), t.Nanosecond()/1e6, jobID, username)
}

// MoveTree moves a directory, falling back to a copy and delete when a
// plain rename is not possible (typically across filesystems).
func MoveTree(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("unable to create %s: %w", filepath.Dir(dst), err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyTree(src, dst); err != nil {
		return fmt.Errorf("unable to move %s to %s: %w", src, dst, err)
	}
	return os.RemoveAll(src)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
