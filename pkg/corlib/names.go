package corlib

// Module names.
const (
	SystemModule = "System.Runtime"
	AspectModule = "MethodBoundaryAspect"
)

// System type names.
const (
	Object                    = "System.Object"
	ValueType                 = "System.ValueType"
	Enum                      = "System.Enum"
	String                    = "System.String"
	Type                      = "System.Type"
	RuntimeTypeHandle         = "System.RuntimeTypeHandle"
	RuntimeMethodHandle       = "System.RuntimeMethodHandle"
	MethodBase                = "System.Reflection.MethodBase"
	Activator                 = "System.Activator"
	Attribute                 = "System.Attribute"
	Exception                 = "System.Exception"
	NotSupportedException     = "System.NotSupportedException"
	InvalidCastException      = "System.InvalidCastException"
	NullReferenceException    = "System.NullReferenceException"
	InvalidOperationException = "System.InvalidOperationException"
	IAsyncStateMachine        = "System.Runtime.CompilerServices.IAsyncStateMachine"
	IEnumerator               = "System.Collections.IEnumerator"
	Task                      = "System.Threading.Tasks.Task"
	TaskOfT                   = "System.Threading.Tasks.Task`1"
	AsyncTaskMethodBuilder    = "System.Runtime.CompilerServices.AsyncTaskMethodBuilder"
	AsyncTaskMethodBuilderOfT = "System.Runtime.CompilerServices.AsyncTaskMethodBuilder`1"
)

// Other async method builders the weaver recognises in MoveNext.
const (
	AsyncVoidMethodBuilder         = "System.Runtime.CompilerServices.AsyncVoidMethodBuilder"
	AsyncValueTaskMethodBuilder    = "System.Runtime.CompilerServices.AsyncValueTaskMethodBuilder"
	AsyncValueTaskMethodBuilderOfT = "System.Runtime.CompilerServices.AsyncValueTaskMethodBuilder`1"
	AsyncUniTaskMethodBuilder      = "Cysharp.Threading.Tasks.CompilerServices.AsyncUniTaskMethodBuilder"
	AsyncUniTaskMethodBuilderOfT   = "Cysharp.Threading.Tasks.CompilerServices.AsyncUniTaskMethodBuilder`1"
	AsyncUniTaskVoidMethodBuilder  = "Cysharp.Threading.Tasks.CompilerServices.AsyncUniTaskVoidMethodBuilder"
)

// Aspect runtime type names.
const (
	OnMethodBoundaryAspect  = "MethodBoundaryAspect.Attributes.OnMethodBoundaryAspect"
	MethodExecutionArgs     = "MethodBoundaryAspect.Attributes.MethodExecutionArgs"
	FlowBehavior            = "MethodBoundaryAspect.Attributes.FlowBehavior"
	MulticastAttributes     = "MethodBoundaryAspect.Attributes.MulticastAttributes"
	DisableWeavingAttribute = "MethodBoundaryAspect.Attributes.DisableWeavingAttribute"
	WovenAttribute          = "MethodBoundaryAspect.Attributes.WovenAttribute"
)

// Aspect callback names.
const (
	OnEntry     = "OnEntry"
	OnExit      = "OnExit"
	OnException = "OnException"
)

// FlowBehavior values as stored in MethodExecutionArgs.FlowBehavior.
const (
	FlowDefault          int32 = 0
	FlowContinue         int32 = 1
	FlowRethrowException int32 = 2
	FlowReturn           int32 = 3
)

// MulticastAttributes bits select which members an aspect applies to by
// visibility.
const (
	MulticastPrivate              int32 = 1 << 1
	MulticastProtected            int32 = 1 << 2
	MulticastInternal             int32 = 1 << 3
	MulticastInternalAndProtected int32 = 1 << 4
	MulticastInternalOrProtected  int32 = 1 << 5
	MulticastPublic               int32 = 1 << 6
	MulticastVisibilityMask             = MulticastPrivate | MulticastProtected | MulticastInternal |
		MulticastInternalAndProtected | MulticastInternalOrProtected | MulticastPublic
)

// Named properties recognised on aspect attributes.
const (
	PropTargetMembers     = "AttributeTargetMemberAttributes"
	PropNamespaceFilter   = "NamespaceFilter"
	PropTypeNameFilter    = "TypeNameFilter"
	PropMethodNameFilter  = "MethodNameFilter"
	PropSkipProperties    = "AttributeSkipProperties"
	PropAllowChangingArgs = "AllowChangingInputArguments"
	PropOrder             = "Order"
)
