package interp

import (
	"fmt"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/meta"
)

const builderTaskField = "m_task"

func registerNatives(vm *VM) {
	reg := func(typeName, method string, arity int, fn Native) {
		vm.Register(meta.MethodKey(typeName, method, arity), fn)
	}

	// ============ Object ============
	reg(corlib.Object, "ToString", 0, func(vm *VM, args []Value) (Value, error) {
		return Display(args[0]), nil
	})
	reg(corlib.Object, "GetType", 0, func(vm *VM, args []Value) (Value, error) {
		return vm.TypeObject(vm.typeOf(args[0])), nil
	})

	// ============ Reflection ============
	reg(corlib.Type, "GetTypeFromHandle", 1, func(vm *VM, args []Value) (Value, error) {
		h, ok := args[0].(TypeHandle)
		if !ok {
			return nil, fmt.Errorf("interp: GetTypeFromHandle on %T", args[0])
		}
		return vm.TypeObject(h.Type), nil
	})
	reg(corlib.Type, "IsInstanceOfType", 1, func(vm *VM, args []Value) (Value, error) {
		t, err := typeOfObject(args[0])
		if err != nil {
			return nil, err
		}
		return boolValue(vm.isInstance(args[1], t)), nil
	})
	reg(corlib.Type, "get_IsValueType", 0, func(vm *VM, args []Value) (Value, error) {
		t, err := typeOfObject(args[0])
		if err != nil {
			return nil, err
		}
		return boolValue(t.IsValueType()), nil
	})
	reg(corlib.Type, "get_FullName", 0, func(vm *VM, args []Value) (Value, error) {
		t, err := typeOfObject(args[0])
		if err != nil {
			return nil, err
		}
		return t.FullName(), nil
	})
	reg(corlib.MethodBase, "GetMethodFromHandle", 1, func(vm *VM, args []Value) (Value, error) {
		h, ok := args[0].(MethodHandle)
		if !ok {
			return nil, fmt.Errorf("interp: GetMethodFromHandle on %T", args[0])
		}
		return vm.MethodInfo(h.Method), nil
	})
	reg(corlib.MethodBase, "get_Name", 0, func(vm *VM, args []Value) (Value, error) {
		o := args[0].(*Object)
		r, ok := o.Native.(*meta.MethodRef)
		if !ok {
			return nil, fmt.Errorf("interp: %s is not a method object", o)
		}
		return r.Name, nil
	})
	reg(corlib.Activator, "CreateInstance", 1, func(vm *VM, args []Value) (Value, error) {
		t, err := typeOfObject(args[0])
		if err != nil {
			return nil, err
		}
		if z := zeroValue(t); z != nil {
			return &Boxed{Type: t, Value: z}, nil
		}
		def := t.Resolve()
		if def == nil {
			return nil, fmt.Errorf("interp: cannot instantiate unresolved type %s", t)
		}
		if def.IsValueType {
			return &Boxed{Type: t, Value: vm.alloc(def, t)}, nil
		}
		return vm.NewObject(def)
	})

	// ============ Exceptions ============
	for _, name := range []string{corlib.Exception, corlib.NotSupportedException, corlib.InvalidCastException,
		corlib.NullReferenceException, corlib.InvalidOperationException} {
		name := name
		reg(name, ".ctor", 0, func(vm *VM, args []Value) (Value, error) {
			args[0].(*Object).Fields[messageField] = "Exception of type '" + name + "' was thrown."
			return nil, nil
		})
		reg(name, ".ctor", 1, func(vm *VM, args []Value) (Value, error) {
			args[0].(*Object).Fields[messageField] = args[1]
			return nil, nil
		})
	}
	reg(corlib.Exception, "get_Message", 0, func(vm *VM, args []Value) (Value, error) {
		return args[0].(*Object).Fields[messageField], nil
	})

	// ============ Tasks ============
	reg(corlib.Task, "get_IsCompleted", 0, func(vm *VM, args []Value) (Value, error) {
		return boolValue(mustTask(args[0]).Done), nil
	})
	reg(corlib.Task, "get_IsFaulted", 0, func(vm *VM, args []Value) (Value, error) {
		return boolValue(mustTask(args[0]).Faulted), nil
	})
	reg(corlib.Task, "get_Exception", 0, func(vm *VM, args []Value) (Value, error) {
		if e := mustTask(args[0]).Exception; e != nil {
			return e, nil
		}
		return nil, nil
	})
	reg(corlib.Task, "get_CompletedTask", 0, func(vm *VM, args []Value) (Value, error) {
		t := vm.newTask(vm.lib.TaskType.Ref())
		ts := t.Native.(*TaskState)
		ts.Done = true
		return t, nil
	})
	reg(corlib.Task, "FromResult", 1, func(vm *VM, args []Value) (Value, error) {
		t := vm.newTask(vm.lib.TaskOfTType.Ref())
		ts := t.Native.(*TaskState)
		ts.Done = true
		ts.Result = args[0]
		return t, nil
	})
	reg(corlib.TaskOfT, "get_Result", 0, func(vm *VM, args []Value) (Value, error) {
		ts := mustTask(args[0])
		switch {
		case ts.Faulted:
			return nil, &Thrown{Exception: ts.Exception, Origin: corlib.TaskOfT + "::get_Result"}
		case !ts.Done:
			return nil, vm.throwNew(corlib.InvalidOperationException, "task has not completed", corlib.TaskOfT+"::get_Result")
		}
		return ts.Result, nil
	})

	// ============ Async Builders ============
	for _, b := range []struct {
		name     string
		generic  bool
		taskType *meta.TypeDef
	}{
		{corlib.AsyncTaskMethodBuilder, false, vm.lib.TaskType},
		{corlib.AsyncTaskMethodBuilderOfT, true, vm.lib.TaskOfTType},
	} {
		b := b
		def := vm.lib.Type(b.name)
		reg(b.name, "Create", 0, func(vm *VM, args []Value) (Value, error) {
			return vm.alloc(def, nil), nil
		})
		reg(b.name, "Start", 1, func(vm *VM, args []Value) (Value, error) {
			sm, ok := args[1].(*Object)
			if !ok {
				return nil, fmt.Errorf("interp: Start on %T", args[1])
			}
			_, err := vm.CallVirtual(sm, "MoveNext")
			return nil, err
		})
		reg(b.name, "get_Task", 0, func(vm *VM, args []Value) (Value, error) {
			return vm.builderTask(args[0].(*Object), b.taskType), nil
		})
		resultArity := 0
		if b.generic {
			resultArity = 1
		}
		reg(b.name, "SetResult", resultArity, func(vm *VM, args []Value) (Value, error) {
			var result Value
			if b.generic {
				result = args[1]
			}
			return nil, vm.CompleteTask(vm.builderTask(args[0].(*Object), b.taskType), result)
		})
		reg(b.name, "SetException", 1, func(vm *VM, args []Value) (Value, error) {
			exc, ok := args[1].(*Object)
			if !ok {
				return nil, vm.throwNew(corlib.NullReferenceException, "SetException with null", b.name+"::SetException")
			}
			return nil, vm.FaultTask(vm.builderTask(args[0].(*Object), b.taskType), exc)
		})
		reg(b.name, "AwaitOnCompleted", 2, func(vm *VM, args []Value) (Value, error) {
			awaited := mustTask(args[1])
			sm, ok := args[2].(*Object)
			if !ok {
				return nil, fmt.Errorf("interp: AwaitOnCompleted with %T", args[2])
			}
			resume := func() error {
				_, err := vm.CallVirtual(sm, "MoveNext")
				return err
			}
			if awaited.Done {
				return nil, resume()
			}
			awaited.continuations = append(awaited.continuations, resume)
			return nil, nil
		})
	}
}

func (vm *VM) newTask(t *meta.TypeRef) *Object {
	o := vm.alloc(t.Resolve(), t)
	o.Native = &TaskState{}
	return o
}

func (vm *VM) builderTask(builder *Object, taskType *meta.TypeDef) *Object {
	if t, ok := builder.Fields[builderTaskField].(*Object); ok {
		return t
	}
	t := vm.newTask(taskType.Ref())
	builder.Fields[builderTaskField] = t
	return t
}

// NewPendingTask returns an incomplete Task, or Task`1 when generic is
// set. Complete it with CompleteTask or FaultTask.
func (vm *VM) NewPendingTask(generic bool) *Object {
	if generic {
		return vm.newTask(vm.lib.TaskOfTType.Ref())
	}
	return vm.newTask(vm.lib.TaskType.Ref())
}

// CompleteTask marks task as successfully completed with result and runs
// its continuations.
func (vm *VM) CompleteTask(task *Object, result Value) error {
	ts := mustTask(task)
	if ts.Done {
		return vm.throwNew(corlib.InvalidOperationException, "task already completed", "CompleteTask")
	}
	ts.Done = true
	ts.Result = result
	return ts.resume()
}

// FaultTask marks task as faulted with exc and runs its continuations.
func (vm *VM) FaultTask(task *Object, exc *Object) error {
	ts := mustTask(task)
	if ts.Done {
		return vm.throwNew(corlib.InvalidOperationException, "task already completed", "FaultTask")
	}
	ts.Done = true
	ts.Faulted = true
	ts.Exception = exc
	return ts.resume()
}

func (ts *TaskState) resume() error {
	conts := ts.continuations
	ts.continuations = nil
	for _, c := range conts {
		if err := c(); err != nil {
			return err
		}
	}
	return nil
}

// TaskStateOf returns the state of a task object, or nil when v is not a
// task.
func TaskStateOf(v Value) *TaskState {
	if o, ok := v.(*Object); ok {
		if ts, ok := o.Native.(*TaskState); ok {
			return ts
		}
	}
	return nil
}

func mustTask(v Value) *TaskState {
	ts := TaskStateOf(v)
	if ts == nil {
		panic(fmt.Sprintf("interp: %T is not a task", v))
	}
	return ts
}

func typeOfObject(v Value) (*meta.TypeRef, error) {
	if o, ok := v.(*Object); ok {
		if t, ok := o.Native.(*meta.TypeRef); ok {
			return t, nil
		}
	}
	return nil, fmt.Errorf("interp: %T is not a type object", v)
}

func (vm *VM) typeOf(v Value) *meta.TypeRef {
	switch x := v.(type) {
	case *Object:
		return x.Type
	case *Boxed:
		return x.Type
	case string:
		return vm.lib.Prim(meta.KindString)
	case int32:
		return vm.lib.Prim(meta.KindInt32)
	case int64:
		return vm.lib.Prim(meta.KindInt64)
	case float64:
		return vm.lib.Prim(meta.KindDouble)
	case *Array:
		return meta.MakeArray(x.Elem)
	}
	return vm.lib.ObjectType.Ref()
}

// Display renders a value the way ToString would.
func Display(v Value) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case *Boxed:
		return Display(x.Value)
	case *Object:
		return x.Type.FullName()
	}
	return fmt.Sprint(v)
}
