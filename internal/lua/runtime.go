package lua

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/mpataki/decoy/internal/prefilter"
)

// TuneContext describes the deployment a tuning script runs for.
type TuneContext struct {
	InputFile string
	Decoys    int
	Steps     int
	Slurm     bool
}

// Runtime runs pre-filter tuning scripts in a sandboxed Lua state. A script
// defines tune(pf, ctx) and edits pf in place:
//
//	function tune(pf, ctx)
//	  pf.contact_min_count = 6
//	  if ctx.steps > 5000 then pf.clash_max = 2.0 end
//	end
type Runtime struct {
	logger *zap.Logger
	logs   []string
}

func NewRuntime(logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{logger: logger}
}

// Tune runs scriptPath against pf. On success pf holds the fields the script
// left in the table; on error pf is unchanged.
func (r *Runtime) Tune(scriptPath string, pf *prefilter.PreFilter, tc TuneContext) error {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	defer L.Close()

	r.openSafeLibs(L)
	L.SetGlobal("log", L.NewFunction(r.luaLog))

	if err := L.DoString(string(script)); err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}

	tune := L.GetGlobal("tune")
	if tune.Type() != lua.LTFunction {
		return fmt.Errorf("script must define a 'tune' function")
	}

	tbl := r.paramsToTable(L, pf.Params)
	L.Push(tune)
	L.Push(tbl)
	L.Push(r.contextTable(L, tc))
	if err := L.PCall(2, 0, nil); err != nil {
		return fmt.Errorf("tune failed: %w", err)
	}

	params, err := r.tableToParams(tbl)
	if err != nil {
		return err
	}
	tuned := &prefilter.PreFilter{Source: pf.Source, Params: params}
	if err := prefilter.Validate(tuned); err != nil {
		return err
	}

	pf.Params = params
	r.logger.Debug("Pre-filter tuned",
		zap.String("script", scriptPath),
		zap.Strings("keys", pf.Keys()))
	return nil
}

// Logs returns the messages the last scripts passed to log().
func (r *Runtime) Logs() []string {
	return r.logs
}

// openSafeLibs loads base, table, string and math without file access,
// dynamic loading or randomness.
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // use log()

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	r.logger.Info("tune: " + message)
	return 0
}

func (r *Runtime) contextTable(L *lua.LState, tc TuneContext) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "input", lua.LString(tc.InputFile))
	L.SetField(tbl, "name", lua.LString(filepath.Base(tc.InputFile)))
	L.SetField(tbl, "decoys", lua.LNumber(tc.Decoys))
	L.SetField(tbl, "steps", lua.LNumber(tc.Steps))
	L.SetField(tbl, "slurm", lua.LBool(tc.Slurm))
	return tbl
}

func (r *Runtime) paramsToTable(L *lua.LState, params map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range params {
		L.SetField(tbl, k, r.goToLua(v))
	}
	return tbl
}

func (r *Runtime) goToLua(v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func (r *Runtime) tableToParams(tbl *lua.LTable) (map[string]any, error) {
	params := map[string]any{}
	var convErr error
	tbl.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		key, ok := k.(lua.LString)
		if !ok {
			convErr = fmt.Errorf("pre-filter keys must be strings, got %s", k.Type())
			return
		}
		switch val := v.(type) {
		case lua.LBool:
			params[string(key)] = bool(val)
		case lua.LString:
			params[string(key)] = string(val)
		case lua.LNumber:
			f := float64(val)
			if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
				params[string(key)] = int64(f)
			} else {
				params[string(key)] = f
			}
		default:
			convErr = fmt.Errorf("pre-filter value for %q must be a number, string or boolean, got %s", string(key), v.Type())
		}
	})
	return params, convErr
}

// IsTuneScript checks if a file is a Lua tuning script.
func IsTuneScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
