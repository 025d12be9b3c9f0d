// Package understory incrementally computes two kinds of derived data for a
// set of mutually dependent Rust compilation units: a definition map per
// unit, built in dependency order, and the expansion of every macro call
// site, kept consistent as sources are edited.
//
// # Pipeline
//
//  1. Build: load the unit graph from an HCL manifest, detect units whose
//     sources changed, mark them and their reverse-dependency closure for
//     rebuild, and build their definition maps in parallel with the
//     scheduler. Each unit starts as soon as its dependencies have
//     published.
//
//  2. Expand: sweep the expansion registry stage by stage. Call sites whose
//     record is missing or out of date are expanded by Risor scripts in
//     parallel; outputs are committed to SQLite, registered as new source
//     units one level deeper, and swept again until nothing changes or the
//     recursion limit is hit.
//
// # Usage
//
//	e, err := understory.New(".understory/index.db", "", understory.WithScriptsFS(scripts.FS))
//	if err != nil { ... }
//	defer e.Close()
//
//	ctx := context.Background()
//	_, err = e.Build(ctx, "understory.hcl")
//	_, err = e.Expand(ctx)
//
//	q := e.Query()
//	exps, err := q.Expansions(ctx, "src/main.rs")
//
// # Identity across edits
//
// Every expansion record remembers which call site it belongs to, either by
// structural index (cheap, valid while the file is unchanged) or by direct
// reference (survives edits elsewhere in the file). After an edit the
// registry recovers bindings by matching call bodies and definition hashes,
// so untouched call sites keep their outputs and only edited ones are
// expanded again. See the internal/registry package for the state machine.
//
// # Persistence
//
// [Engine.Save] writes the registry to SQLite under four version fields;
// [Engine.Load] restores it only if all four match the running engine.
// Range maps and mix hashes of outputs live in a badger side store and are
// recomputed on a miss.
package understory
