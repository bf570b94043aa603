package lua

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/circuits/internal/models"
)

// Runtime evaluates Lua circuit definitions in a sandboxed environment.
//
// A script builds its circuit with the DSL globals:
//
//	circuit {
//	  name = "Tabata",
//	  tasks = rep(8, { task("Work", 20), task("Rest", 10, "breathe") }),
//	}
type Runtime struct {
	circuit *models.Circuit
	logs    []string
}

// NewRuntime creates a new Lua runtime for one definition
func NewRuntime() *Runtime {
	return &Runtime{
		logs: make([]string, 0),
	}
}

// LoadFile evaluates the script at path and returns the circuit it defines.
// Messages passed to log() stay readable through GetLogs.
func (r *Runtime) LoadFile(path string) (*models.Circuit, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return r.Eval(string(script))
}

// Eval runs script and returns the circuit passed to circuit{...}
func (r *Runtime) Eval(script string) (*models.Circuit, error) {
	r.circuit = nil
	r.logs = nil

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()

	r.openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(script); err != nil {
		return nil, fmt.Errorf("circuit script failed: %w", err)
	}
	if r.circuit == nil {
		return nil, fmt.Errorf("script must call circuit{...}")
	}
	return r.circuit, nil
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove dangerous base functions
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// A definition must evaluate to the same circuit every time
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

// registerAPI registers the circuit DSL functions
func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("circuit", L.NewFunction(r.luaCircuit))
	L.SetGlobal("task", L.NewFunction(r.luaTask))
	L.SetGlobal("rep", L.NewFunction(r.luaRep))
	L.SetGlobal("minutes", L.NewFunction(r.luaMinutes))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaCircuit implements the circuit{name, description?, tasks} API
func (r *Runtime) luaCircuit(L *lua.LState) int {
	tbl := L.CheckTable(1)
	if r.circuit != nil {
		L.RaiseError("circuit{...} may only be called once")
		return 0
	}

	c := &models.Circuit{
		Name:        lua.LVAsString(tbl.RawGetString("name")),
		Description: lua.LVAsString(tbl.RawGetString("description")),
	}

	tasks, ok := tbl.RawGetString("tasks").(*lua.LTable)
	if !ok {
		L.RaiseError("circuit tasks must be a table")
		return 0
	}
	n := tasks.Len()
	for i := 1; i <= n; i++ {
		t, err := tableToTask(tasks.RawGetInt(i))
		if err != nil {
			L.RaiseError("task %d: %v", i, err)
			return 0
		}
		c.Tasks = append(c.Tasks, t)
	}

	r.circuit = c
	return 0
}

// luaTask implements the task(name, duration, description?) API
func (r *Runtime) luaTask(L *lua.LState) int {
	name := L.CheckString(1)
	duration := L.CheckNumber(2)
	description := L.OptString(3, "")

	tbl := L.NewTable()
	L.SetField(tbl, "name", lua.LString(name))
	L.SetField(tbl, "duration", duration)
	L.SetField(tbl, "description", lua.LString(description))
	L.Push(tbl)
	return 1
}

// luaRep implements the rep(count, tasks) API, repeating a block of tasks
func (r *Runtime) luaRep(L *lua.LState) int {
	count := L.CheckInt(1)
	block := L.CheckTable(2)
	if count < 1 {
		L.ArgError(1, "count must be at least 1")
		return 0
	}

	out := L.NewTable()
	n := block.Len()
	for c := 0; c < count; c++ {
		for i := 1; i <= n; i++ {
			out.Append(block.RawGetInt(i))
		}
	}
	L.Push(out)
	return 1
}

// luaMinutes implements the minutes(n) API
func (r *Runtime) luaMinutes(L *lua.LState) int {
	n := L.CheckNumber(1)
	L.Push(lua.LNumber(float64(n) * 60))
	return 1
}

// luaLog implements the log(message) API
func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	return 0
}

func tableToTask(v lua.LValue) (models.Task, error) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return models.Task{}, fmt.Errorf("expected a task table, got %s", v.Type())
	}

	t := models.Task{
		Name:        lua.LVAsString(tbl.RawGetString("name")),
		Description: lua.LVAsString(tbl.RawGetString("description")),
	}
	d, ok := tbl.RawGetString("duration").(lua.LNumber)
	if !ok {
		return models.Task{}, fmt.Errorf("duration must be a number")
	}
	f := float64(d)
	if f != math.Trunc(f) {
		return models.Task{}, fmt.Errorf("duration %v must be a whole number of seconds", f)
	}
	t.Duration = int(f)
	return t, nil
}

// GetLogs returns the messages logged during evaluation
func (r *Runtime) GetLogs() []string {
	return r.logs
}

// IsLuaSpec checks if a file is a Lua definition
func IsLuaSpec(path string) bool {
	return filepath.Ext(path) == ".lua"
}
