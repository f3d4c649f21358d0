package interp

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

var log = commonlog.GetLogger("boundary.interp")

// Native implements a method without an IL body. args include the receiver
// for instance methods.
type Native func(vm *VM, args []Value) (Value, error)

// ErrMaxDepth is returned when calls nest deeper than VM.MaxDepth.
var ErrMaxDepth = errors.New("interp: call depth exceeded")

// VM executes IL method bodies against the runtime library.
type VM struct {
	lib     *corlib.Library
	natives map[string]Native

	statics     map[*meta.FieldDef]Value
	initialized map[*meta.TypeDef]bool
	typeObjects map[string]*Object
	methodInfos map[string]*Object

	depth int

	// MaxDepth bounds call nesting.
	MaxDepth int
	// Trace logs every executed instruction at debug level.
	Trace bool
}

// New creates a VM bound to lib with the library natives registered.
func New(lib *corlib.Library) *VM {
	vm := &VM{
		lib:         lib,
		natives:     make(map[string]Native),
		statics:     make(map[*meta.FieldDef]Value),
		initialized: make(map[*meta.TypeDef]bool),
		typeObjects: make(map[string]*Object),
		methodInfos: make(map[string]*Object),
		MaxDepth:    256,
	}
	registerNatives(vm)
	return vm
}

// Register binds a native implementation to a method key as produced by
// meta.MethodDef.Key.
func (vm *VM) Register(key string, fn Native) {
	vm.natives[key] = fn
}

// Library returns the runtime library the VM runs against.
func (vm *VM) Library() *corlib.Library { return vm.lib }

// Invoke calls m with args (receiver first for instance methods).
func (vm *VM) Invoke(m *meta.MethodDef, args ...Value) (Value, error) {
	return vm.invoke(m, args)
}

// NewObject allocates an instance of t and runs the constructor whose arity
// matches ctorArgs.
func (vm *VM) NewObject(t *meta.TypeDef, ctorArgs ...Value) (*Object, error) {
	for _, c := range t.Constructors() {
		if len(c.Params) == len(ctorArgs) {
			obj := vm.alloc(t, nil)
			if _, err := vm.invoke(c, append([]Value{obj}, ctorArgs...)); err != nil {
				return nil, err
			}
			return obj, nil
		}
	}
	return nil, fmt.Errorf("interp: %s has no constructor with %d arguments", t.FullName(), len(ctorArgs))
}

func (vm *VM) alloc(t *meta.TypeDef, ref *meta.TypeRef) *Object {
	if ref == nil {
		ref = t.Ref()
	}
	return &Object{Class: t, Type: ref, Fields: make(map[string]Value)}
}

// Static returns the value of a static field.
func (vm *VM) Static(f *meta.FieldDef) Value {
	return vm.statics[f]
}

// ----------------------------------------------------------------------------
// Calls
// ----------------------------------------------------------------------------

func (vm *VM) invoke(def *meta.MethodDef, args []Value) (Value, error) {
	if fn, ok := vm.natives[def.Key()]; ok {
		return fn(vm, args)
	}
	if !def.HasBody() {
		return nil, fmt.Errorf("interp: %s has no body and no native binding", def.FullName())
	}
	if def.IsStatic() {
		if err := vm.ensureInit(def.DeclaringType); err != nil {
			return nil, err
		}
	}
	if vm.depth >= vm.MaxDepth {
		return nil, ErrMaxDepth
	}
	vm.depth++
	defer func() { vm.depth-- }()

	f := newFrame(vm, def, args)
	ret, _, err := f.run(0, false)
	return ret, err
}

// call dispatches a call instruction.
func (vm *VM) call(ref *meta.MethodRef, args []Value, virtual bool) (Value, error) {
	def := ref.Resolve()
	if def == nil {
		return nil, fmt.Errorf("interp: unresolved method %s", ref.FullName())
	}
	if def.HasThis() {
		if args[0] == nil {
			return nil, vm.throwNew(corlib.NullReferenceException, "call to "+def.Name+" on null", def.FullName())
		}
		if virtual && def.IsVirtual() {
			if obj, ok := args[0].(*Object); ok {
				def = vm.findOverride(obj.Class, def)
			}
		}
	}
	return vm.invoke(def, args)
}

// CallVirtual invokes a virtual method by name on obj.
func (vm *VM) CallVirtual(obj *Object, name string, args ...Value) (Value, error) {
	for t := obj.Class; t != nil; t = t.BaseDef() {
		for _, m := range t.MethodsNamed(name) {
			if len(m.Params) == len(args) && m.HasThis() && !m.IsAbstract() {
				return vm.invoke(m, append([]Value{obj}, args...))
			}
		}
	}
	return nil, fmt.Errorf("interp: %s has no method %s/%d", obj.Class.FullName(), name, len(args))
}

func (vm *VM) findOverride(class *meta.TypeDef, def *meta.MethodDef) *meta.MethodDef {
	for t := class; t != nil; t = t.BaseDef() {
		for _, m := range t.MethodsNamed(def.Name) {
			if m.HasThis() && m.IsVirtual() && !m.IsAbstract() && len(m.Params) == len(def.Params) {
				return m
			}
		}
	}
	return def
}

func (vm *VM) ensureInit(t *meta.TypeDef) error {
	if t == nil || vm.initialized[t] {
		return nil
	}
	vm.initialized[t] = true
	for _, f := range t.Fields {
		if f.IsStatic() {
			vm.statics[f] = zeroValue(f.FieldType)
		}
	}
	if cctor := t.Method(".cctor"); cctor != nil && cctor.IsStatic() {
		_, err := vm.invoke(cctor, nil)
		return err
	}
	return nil
}

// ----------------------------------------------------------------------------
// Exceptions
// ----------------------------------------------------------------------------

// NewException creates an exception object of the named library type.
func (vm *VM) NewException(typeName, message string) *Object {
	t := vm.lib.Type(typeName)
	if t == nil {
		t = vm.lib.ExceptionType
	}
	obj := vm.alloc(t, nil)
	obj.Fields[messageField] = message
	return obj
}

func (vm *VM) throwNew(typeName, message, origin string) error {
	return &Thrown{Exception: vm.NewException(typeName, message), Origin: origin}
}

// Message returns an exception object's message.
func Message(exc *Object) string {
	s, _ := exc.Fields[messageField].(string)
	return s
}

// ----------------------------------------------------------------------------
// Type tests
// ----------------------------------------------------------------------------

func (vm *VM) isInstance(v Value, t *meta.TypeRef) bool {
	if v == nil {
		return false
	}
	if t.IsGenericParameter() {
		return true
	}
	name := t.FullName()
	if name == corlib.Object {
		return true
	}
	switch x := v.(type) {
	case *Object:
		return classDerives(x.Class, t)
	case string:
		return name == corlib.String
	case *Array:
		return t.IsArray() || name == "System.Array"
	case *Boxed:
		if x.Type.FullName() == name {
			return true
		}
		if name == corlib.ValueType {
			return true
		}
		if _, isEnum := x.Type.Enum(); isEnum && name == corlib.Enum {
			return true
		}
		return false
	case int32, int64, float64:
		return t.IsPrimitive()
	}
	return false
}

func classDerives(c *meta.TypeDef, t *meta.TypeRef) bool {
	target := t.Resolve()
	name := t.FullName()
	if t.IsGenericInstance() {
		name = t.Element.FullName()
	}
	for cur := c; cur != nil; cur = cur.BaseDef() {
		if cur == target || cur.FullName() == name {
			return true
		}
		for _, i := range cur.Interfaces {
			if i.FullName() == name || (i.IsGenericInstance() && i.Element.FullName() == name) {
				return true
			}
		}
	}
	return false
}

// TypeObject returns the canonical System.Type instance for t.
func (vm *VM) TypeObject(t *meta.TypeRef) *Object {
	key := t.FullName()
	if o, ok := vm.typeObjects[key]; ok {
		return o
	}
	o := vm.alloc(vm.lib.TypeType, nil)
	o.Native = t
	vm.typeObjects[key] = o
	return o
}

// MethodInfo returns the canonical MethodBase instance for r.
func (vm *VM) MethodInfo(r *meta.MethodRef) *Object {
	key := r.FullName()
	if o, ok := vm.methodInfos[key]; ok {
		return o
	}
	o := vm.alloc(vm.lib.Type(corlib.MethodBase), nil)
	o.Native = r
	vm.methodInfos[key] = o
	return o
}

// ----------------------------------------------------------------------------
// Frames
// ----------------------------------------------------------------------------

type frame struct {
	vm     *VM
	method *meta.MethodDef
	body   *il.Body
	code   []il.Handle
	args   []Value
	locals map[*il.Variable]Value
	stack  []Value

	// handling holds the exceptions of the catch blocks being executed,
	// innermost last.
	handling []*Thrown
}

func newFrame(vm *VM, m *meta.MethodDef, args []Value) *frame {
	f := &frame{
		vm:     vm,
		method: m,
		body:   m.Body,
		code:   m.Body.Instructions(),
		args:   append([]Value(nil), args...),
		locals: make(map[*il.Variable]Value, len(m.Body.Variables)),
		stack:  make([]Value, 0, 16),
	}
	for _, v := range m.Body.Variables {
		var t *meta.TypeRef
		if tr, ok := v.Type.(*meta.TypeRef); ok {
			t = tr
		}
		f.locals[v] = zeroValue(t)
	}
	return f
}

func (f *frame) push(v Value) { f.stack = append(f.stack, v) }

func (f *frame) pop() Value {
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

func (f *frame) popN(n int) []Value {
	out := make([]Value, n)
	copy(out, f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return out
}

func (f *frame) index(h il.Handle) int {
	if h == il.NoHandle {
		return len(f.code)
	}
	return f.body.IndexOf(h)
}

func (f *frame) inRange(pc int, start, end il.Handle) bool {
	return pc >= f.index(start) && pc < f.index(end)
}

func (f *frame) origin() string { return f.method.FullName() }

// catchOrUnwind routes a managed exception raised at pc. It returns the
// program index of the matching catch handler, or -1 when the exception
// leaves this frame. Finally blocks between pc and the handler run first.
func (f *frame) catchOrUnwind(pc int, t *Thrown) (int, error) {
	for _, eh := range f.body.Handlers {
		if !f.inRange(pc, eh.TryStart, eh.TryEnd) {
			continue
		}
		switch eh.Type {
		case il.HandlerCatch:
			ct, _ := eh.CatchType.(*meta.TypeRef)
			if ct == nil || f.vm.isInstance(t.Exception, ct) {
				f.stack = f.stack[:0]
				f.push(t.Exception)
				f.handling = append(f.handling, t)
				return f.index(eh.HandlerStart), nil
			}
		case il.HandlerFinally:
			if err := f.runFinally(eh); err != nil {
				return -1, err
			}
		}
	}
	return -1, t
}

func (f *frame) runFinally(eh *il.ExceptionHandler) error {
	saved := f.stack
	f.stack = make([]Value, 0, 8)
	_, _, err := f.run(f.index(eh.HandlerStart), true)
	f.stack = saved
	return err
}

// leave runs the finally blocks protecting pc but not target and ends any
// catch block being left.
func (f *frame) leave(pc, target int) error {
	for _, eh := range f.body.Handlers {
		switch eh.Type {
		case il.HandlerFinally:
			if f.inRange(pc, eh.TryStart, eh.TryEnd) && !f.inRange(target, eh.TryStart, eh.TryEnd) {
				if err := f.runFinally(eh); err != nil {
					return err
				}
			}
		case il.HandlerCatch:
			if f.inRange(pc, eh.HandlerStart, eh.HandlerEnd) && !f.inRange(target, eh.HandlerStart, eh.HandlerEnd) && len(f.handling) > 0 {
				f.handling = f.handling[:len(f.handling)-1]
			}
		}
	}
	return nil
}

// run executes from program index pc. When untilEndfinally is set it
// returns at the first endfinally.
func (f *frame) run(pc int, untilEndfinally bool) (Value, bool, error) {
	for pc < len(f.code) {
		ins := f.body.At(f.code[pc])
		if f.vm.Trace {
			log.Debugf("%s [%d] %s depth=%d", f.method.Name, pc, f.body.DisassembleInstruction(f.code[pc]), len(f.stack))
		}

		next, ret, done, err := f.step(pc, ins)
		if err != nil {
			var t *Thrown
			if !errors.As(err, &t) {
				return nil, false, err
			}
			h, uerr := f.catchOrUnwind(pc, t)
			if uerr != nil {
				return nil, false, uerr
			}
			pc = h
			continue
		}
		if done {
			return ret, false, nil
		}
		if next == endfinallyPC {
			if untilEndfinally {
				return nil, true, nil
			}
			return nil, false, fmt.Errorf("interp: endfinally outside finally in %s", f.origin())
		}
		pc = next
	}
	return nil, false, fmt.Errorf("interp: %s ran off the end of its body", f.origin())
}

const endfinallyPC = -2
