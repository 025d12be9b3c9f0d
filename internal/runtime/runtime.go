// Package runtime expands macro call sites by running Risor scripts.
//
// A call to foo! runs expand/foo.risor when it exists and
// expand/default.risor otherwise. Scripts see the globals macro_name,
// macro_body and definition plus the host functions registered in
// buildGlobals, and evaluate to either the output string or a map with an
// "output" string, optional "ranges", or an "error" message.
package runtime

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"
	"go.uber.org/zap"

	"github.com/jward/understory/internal/attrs"
)

// DefaultMaxOutput bounds the size of one expansion output in bytes.
const DefaultMaxOutput = 1 << 20

var (
	// ErrUnresolved means no script and no definition exist for a macro.
	ErrUnresolved = errors.New("runtime: macro cannot be resolved")
	// ErrLimitExceeded means a script produced too much output or ran past
	// its time budget.
	ErrLimitExceeded = errors.New("runtime: expansion limit exceeded")
)

// ScriptError is a failure reported by or raised inside a script.
type ScriptError struct {
	Macro  string
	Script string
	Msg    string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("runtime: %s! (%s): %s", e.Macro, e.Script, e.Msg)
}

// Runtime embeds a Risor VM and provides tree-sitter host functions to
// expansion scripts.
type Runtime struct {
	scriptsDir string
	fsys       fs.FS
	logger     *zap.Logger
	maxOutput  int
	timeout    time.Duration
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithFS loads scripts from fsys instead of from disk. The Risor importer
// resolves import statements against the same filesystem.
func WithFS(fsys fs.FS) Option {
	return func(r *Runtime) {
		r.fsys = fsys
	}
}

// WithLogger routes script logging to l.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMaxOutput bounds expansion output size. Non-positive values keep
// the default.
func WithMaxOutput(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.maxOutput = n
		}
	}
}

// WithTimeout bounds the run time of one expansion. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		r.timeout = d
	}
}

// New creates a Runtime that loads scripts from scriptsDir.
func New(scriptsDir string, opts ...Option) *Runtime {
	r := &Runtime{
		scriptsDir: scriptsDir,
		logger:     zap.NewNop(),
		maxOutput:  DefaultMaxOutput,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invocation is one macro call to expand.
type Invocation struct {
	// Macro is the unqualified macro name.
	Macro string
	Body  string
	// Definition is the macro_rules! source, empty when unknown.
	Definition string
}

// Expansion is the result of a successful expansion.
type Expansion struct {
	Output string
	Ranges attrs.RangeMap
	Script string
}

// ScriptPath returns the script used for a macro, or false when neither a
// dedicated script nor a definition exists.
func (r *Runtime) ScriptPath(macro string, hasDefinition bool) (string, bool) {
	p := path(macro)
	if r.exists(p) {
		return p, true
	}
	if hasDefinition && r.exists(defaultScript) {
		return defaultScript, true
	}
	return "", false
}

const defaultScript = "expand/default.risor"

func path(macro string) string {
	return "expand/" + macro + ".risor"
}

func (r *Runtime) exists(p string) bool {
	if r.fsys != nil {
		_, err := fs.Stat(r.fsys, p)
		return err == nil
	}
	if r.scriptsDir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(r.scriptsDir, filepath.FromSlash(p)))
	return err == nil
}

// Expand runs the expansion script for inv. Errors wrap ErrUnresolved,
// ErrLimitExceeded, the context's error, or are a *ScriptError.
func (r *Runtime) Expand(ctx context.Context, inv Invocation) (Expansion, error) {
	if err := ctx.Err(); err != nil {
		return Expansion{}, fmt.Errorf("runtime: %s!: %w", inv.Macro, err)
	}
	script, ok := r.ScriptPath(inv.Macro, inv.Definition != "")
	if !ok {
		return Expansion{}, fmt.Errorf("%w: %s!", ErrUnresolved, inv.Macro)
	}
	src, err := r.LoadScript(script)
	if err != nil {
		return Expansion{}, err
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err := r.eval(runCtx, src, map[string]any{
		"macro_name": inv.Macro,
		"macro_body": inv.Body,
		"definition": inv.Definition,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Expansion{}, fmt.Errorf("runtime: %s!: %w", inv.Macro, ctxErr)
		}
		if runCtx.Err() != nil {
			return Expansion{}, fmt.Errorf("%w: %s! ran past %s", ErrLimitExceeded, inv.Macro, r.timeout)
		}
		return Expansion{}, &ScriptError{Macro: inv.Macro, Script: script, Msg: err.Error()}
	}

	exp, err := decodeResult(result)
	if err != nil {
		return Expansion{}, &ScriptError{Macro: inv.Macro, Script: script, Msg: err.Error()}
	}
	if len(exp.Output) > r.maxOutput {
		return Expansion{}, fmt.Errorf("%w: %s! produced %d bytes (max %d)", ErrLimitExceeded, inv.Macro, len(exp.Output), r.maxOutput)
	}
	if len(exp.Ranges.Entries) == 0 {
		exp.Ranges = attrs.DeriveRangeMap(inv.Body, exp.Output)
	}
	exp.Script = script
	r.logger.Debug("expanded",
		zap.String("macro", inv.Macro),
		zap.String("script", script),
		zap.Int("bytes", len(exp.Output)))
	return exp, nil
}

// RunSource executes Risor source code with all standard globals plus any
// extra globals and returns the value of its last expression.
func (r *Runtime) RunSource(ctx context.Context, source string, extra map[string]any) (object.Object, error) {
	return r.eval(ctx, source, extra)
}

func (r *Runtime) eval(ctx context.Context, source string, extra map[string]any) (object.Object, error) {
	globals := r.buildGlobals(extra)

	var opts []risor.Option
	for name, val := range globals {
		opts = append(opts, risor.WithGlobal(name, val))
	}
	if imp := r.buildImporter(globals); imp != nil {
		opts = append(opts, risor.WithImporter(imp))
	}
	return risor.Eval(ctx, source, opts...)
}

// buildImporter returns a Risor importer for the Runtime's script source,
// or nil if neither an fs.FS nor a scripts dir is configured.
func (r *Runtime) buildImporter(globals map[string]any) importer.Importer {
	globalNames := make([]string, 0, len(globals))
	for name := range globals {
		globalNames = append(globalNames, name)
	}

	if r.fsys != nil {
		return importer.NewFSImporter(importer.FSImporterOptions{
			GlobalNames: globalNames,
			SourceFS:    r.fsys,
			Extensions:  []string{".risor"},
		})
	}
	if r.scriptsDir != "" {
		return importer.NewLocalImporter(importer.LocalImporterOptions{
			GlobalNames: globalNames,
			SourceDir:   r.scriptsDir,
			Extensions:  []string{".risor"},
		})
	}
	return nil
}

// LoadScript reads a .risor file relative to the configured script source.
func (r *Runtime) LoadScript(path string) (string, error) {
	if r.fsys != nil {
		fsPath := strings.TrimPrefix(filepath.ToSlash(path), "/")
		data, err := fs.ReadFile(r.fsys, fsPath)
		if err != nil {
			return "", fmt.Errorf("runtime: loading script %s from fs: %w", fsPath, err)
		}
		return string(data), nil
	}

	fullPath := path
	if !filepath.IsAbs(path) {
		fullPath = filepath.Join(r.scriptsDir, filepath.FromSlash(path))
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("runtime: loading script %s: %w", fullPath, err)
	}
	return string(data), nil
}

// ScriptsHash hashes every .risor file by path and content. Any script edit
// changes the hash.
func (r *Runtime) ScriptsHash() string {
	var paths []string
	walk := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, ".risor") {
			paths = append(paths, path)
		}
		return nil
	}
	switch {
	case r.fsys != nil:
		fs.WalkDir(r.fsys, ".", walk)
	case r.scriptsDir != "":
		fs.WalkDir(os.DirFS(r.scriptsDir), ".", walk)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		src, err := r.LoadScript(p)
		if err != nil {
			continue
		}
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write([]byte(src))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// buildGlobals constructs the full set of globals exposed to Risor scripts.
// Trees made by parse live as long as the run.
func (r *Runtime) buildGlobals(extra map[string]any) map[string]any {
	trees := newParsed()
	globals := map[string]any{
		"parse":       makeParseFn(trees),
		"node_text":   makeNodeTextFn(trees),
		"node_child":  makeNodeChildFn(),
		"query":       makeQueryFn(trees),
		"hash":        makeHashFn(),
		"macro_rules": makeMacroRulesFn(),
		"match_rule":  makeMatchRuleFn(),
		"substitute":  makeSubstituteFn(),
		"log":         mustProxy(&logObject{logger: r.logger.Named("script")}),
	}
	for k, v := range extra {
		globals[k] = v
	}
	return globals
}

func mustProxy(v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		panic(fmt.Sprintf("runtime: proxy error: %v", err))
	}
	return p
}
