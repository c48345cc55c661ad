// version_binder.go: version-adaptive field and method resolution
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/hashicorp/go-version"
)

// TypeDescriptor is the structural view of a target type as it exists in the
// running process: its actual field set, not the declared one.
type TypeDescriptor interface {
	TypeName() string
	LookupField(name string) (FieldAccessor, bool)
}

// MethodLookup is implemented by descriptors that can also resolve methods.
type MethodLookup interface {
	LookupMethod(name string) (MethodAccessor, bool)
}

// FieldAccessor reads one field from an instance of the described type.
type FieldAccessor interface {
	Get(instance any) (any, error)
}

// MethodAccessor invokes one method on an instance of the described type.
type MethodAccessor interface {
	Invoke(instance any, args ...any) ([]any, error)
}

// FieldSpec declares one binding site.
type FieldSpec struct {
	// Name is the logical field name, tried first as an exact match.
	Name string
	// Aliases are historical names tried in order when Name is absent.
	Aliases []string
	// Required makes a miss a resolution error instead of an absent binding.
	Required bool
}

// LayoutVariant describes one generation of target layouts. Fields maps a
// logical name to the concrete names that generation uses for it.
type LayoutVariant struct {
	Tag        string              `json:"tag" yaml:"tag"`
	Constraint string              `json:"constraint" yaml:"constraint"`
	Fields     map[string][]string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Binding is a resolved accessor, or an absent one when the running layout
// lacks the field. Bindings are immutable once returned.
type Binding struct {
	typeName string
	logical  string
	resolved string
	field    FieldAccessor
	method   MethodAccessor
}

// Present reports whether the binding resolved to a concrete member.
func (b *Binding) Present() bool {
	return b != nil && (b.field != nil || b.method != nil)
}

// Name returns the concrete member name, or "" when absent.
func (b *Binding) Name() string {
	if b == nil {
		return ""
	}
	return b.resolved
}

// Get reads the field from instance.
func (b *Binding) Get(instance any) (any, error) {
	if b == nil || b.field == nil {
		return nil, b.absentError()
	}
	return b.field.Get(instance)
}

// GetInt reads the field from instance as an integer.
func (b *Binding) GetInt(instance any) (int64, error) {
	v, err := b.Get(instance)
	if err != nil {
		return 0, err
	}
	return toInt64(v)
}

// GetString reads the field from instance as a string.
func (b *Binding) GetString(instance any) (string, error) {
	v, err := b.Get(instance)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case *string:
		if s == nil {
			return "", nil
		}
		return *s, nil
	case fmt.Stringer:
		return s.String(), nil
	case nil:
		return "", nil
	}
	return fmt.Sprint(v), nil
}

// Invoke calls the bound method on instance.
func (b *Binding) Invoke(instance any, args ...any) ([]any, error) {
	if b == nil || b.method == nil {
		return nil, b.absentError()
	}
	return b.method.Invoke(instance, args...)
}

func (b *Binding) absentError() error {
	if b == nil {
		return NewAbsentBindingError("", "")
	}
	return NewAbsentBindingError(b.typeName, b.logical)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("value of type %T is not an integer", v)
}

// bindingKey identifies a binding site. Sites sharing a logical name but
// declaring different aliases resolve independently.
type bindingKey struct {
	typeName string
	logical  string
	aliases  string
	method   bool
}

// VersionBinder resolves logical names against whichever layout variant is
// running. The variant is detected once, from the platform version, when the
// binder is built; resolved bindings are cached for the binder's lifetime.
type VersionBinder struct {
	logger   Logger
	platform *version.Version
	variant  *LayoutVariant

	mu    sync.RWMutex
	cache map[bindingKey]*Binding
}

type compiledVariant struct {
	variant     LayoutVariant
	constraints version.Constraints
}

// NewVersionBinder builds a binder for platformVersion. The first variant whose
// constraint admits the version becomes the active variant. An empty
// platformVersion, or no matching variant, leaves the binder variant-less: only
// exact names and declared aliases are consulted.
func NewVersionBinder(platformVersion string, variants []LayoutVariant, logger any) (*VersionBinder, error) {
	vb := &VersionBinder{
		logger: NewLogger(logger),
		cache:  make(map[bindingKey]*Binding),
	}

	compiled := make([]compiledVariant, 0, len(variants))
	for _, v := range variants {
		c, err := version.NewConstraint(v.Constraint)
		if err != nil {
			return nil, NewInvalidConstraintError(v.Constraint, err)
		}
		compiled = append(compiled, compiledVariant{variant: v, constraints: c})
	}

	if platformVersion == "" {
		return vb, nil
	}
	pv, err := version.NewVersion(platformVersion)
	if err != nil {
		return nil, NewInvalidConstraintError(platformVersion, err)
	}
	vb.platform = pv

	for i := range compiled {
		if compiled[i].constraints.Check(pv) {
			v := compiled[i].variant
			vb.variant = &v
			break
		}
	}
	if vb.variant != nil {
		vb.logger.Info("Layout variant detected", "platform", pv.String(), "variant", vb.variant.Tag)
	} else {
		vb.logger.Warn("No layout variant matches platform version", "platform", pv.String())
	}
	return vb, nil
}

// Variant returns the active variant tag, or "" when none matched.
func (vb *VersionBinder) Variant() string {
	if vb.variant == nil {
		return ""
	}
	return vb.variant.Tag
}

// PlatformVersion returns the parsed platform version, or nil.
func (vb *VersionBinder) PlatformVersion() *version.Version {
	return vb.platform
}

// AtLeast reports whether the platform version is >= v. It is false when no
// platform version was configured or v does not parse.
func (vb *VersionBinder) AtLeast(v string) bool {
	if vb.platform == nil {
		return false
	}
	floor, err := version.NewVersion(v)
	if err != nil {
		return false
	}
	return vb.platform.GreaterThanOrEqual(floor)
}

func (vb *VersionBinder) candidates(spec FieldSpec) []string {
	names := []string{spec.Name}
	if vb.variant != nil {
		names = append(names, vb.variant.Fields[spec.Name]...)
	}
	return append(names, spec.Aliases...)
}

// Resolve binds spec against desc. A miss on a non-required spec returns an
// absent binding and a nil error; a miss on a required spec returns a
// resolution error. Results are cached per (type, logical name, aliases).
func (vb *VersionBinder) Resolve(desc TypeDescriptor, spec FieldSpec) (*Binding, error) {
	return vb.resolve(desc, spec, false)
}

// ResolveMethod is Resolve for methods. desc must implement MethodLookup.
func (vb *VersionBinder) ResolveMethod(desc TypeDescriptor, spec FieldSpec) (*Binding, error) {
	return vb.resolve(desc, spec, true)
}

func (vb *VersionBinder) resolve(desc TypeDescriptor, spec FieldSpec, method bool) (*Binding, error) {
	if desc == nil {
		if spec.Required {
			return nil, NewTypeNotFoundError(spec.Name)
		}
		return &Binding{logical: spec.Name}, nil
	}
	key := bindingKey{
		typeName: desc.TypeName(),
		logical:  spec.Name,
		aliases:  strings.Join(spec.Aliases, "\x00"),
		method:   method,
	}

	vb.mu.RLock()
	b, ok := vb.cache[key]
	vb.mu.RUnlock()
	if ok {
		return vb.checkRequired(b, spec)
	}

	vb.mu.Lock()
	defer vb.mu.Unlock()
	if b, ok := vb.cache[key]; ok {
		return vb.checkRequired(b, spec)
	}

	b = &Binding{typeName: key.typeName, logical: spec.Name}
	tried := vb.candidates(spec)
	for _, name := range tried {
		if method {
			ml, ok := desc.(MethodLookup)
			if !ok {
				break
			}
			if acc, found := ml.LookupMethod(name); found {
				b.resolved, b.method = name, acc
				break
			}
			continue
		}
		if acc, found := desc.LookupField(name); found {
			b.resolved, b.field = name, acc
			break
		}
	}
	vb.cache[key] = b

	if b.Present() {
		if b.resolved != spec.Name {
			vb.logger.Debug("Binding resolved through alias",
				"type", key.typeName, "logical", spec.Name, "resolved", b.resolved)
		}
		return b, nil
	}
	if spec.Required {
		return nil, NewFieldNotFoundError(key.typeName, spec.Name, tried)
	}
	vb.logger.Debug("Optional binding absent", "type", key.typeName, "logical", spec.Name)
	return b, nil
}

func (vb *VersionBinder) checkRequired(b *Binding, spec FieldSpec) (*Binding, error) {
	if !b.Present() && spec.Required {
		return nil, NewFieldNotFoundError(b.typeName, spec.Name, vb.candidates(spec))
	}
	return b, nil
}

// StructDescriptor describes a Go struct type through reflection. Unexported
// fields are readable when the instance is a pointer.
type StructDescriptor struct {
	name string
	typ  reflect.Type
}

// DescribeStruct builds a descriptor from a sample value (a struct or a
// pointer to one). name overrides the reflected type name when non-empty.
func DescribeStruct(name string, sample any) *StructDescriptor {
	t := reflect.TypeOf(sample)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name == "" && t != nil {
		name = t.String()
	}
	return &StructDescriptor{name: name, typ: t}
}

func (d *StructDescriptor) TypeName() string { return d.name }

func (d *StructDescriptor) LookupField(name string) (FieldAccessor, bool) {
	if d.typ == nil || d.typ.Kind() != reflect.Struct {
		return nil, false
	}
	f, ok := d.typ.FieldByName(name)
	if !ok {
		return nil, false
	}
	return &structField{desc: d, index: f.Index}, true
}

func (d *StructDescriptor) LookupMethod(name string) (MethodAccessor, bool) {
	if d.typ == nil {
		return nil, false
	}
	if _, ok := reflect.PointerTo(d.typ).MethodByName(name); ok {
		return &structMethod{desc: d, name: name}, true
	}
	return nil, false
}

func (d *StructDescriptor) addressable(instance any) (reflect.Value, error) {
	v := reflect.ValueOf(instance)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() || v.Elem().Type() != d.typ {
			return reflect.Value{}, NewInvalidInstanceError(d.name, instance)
		}
		return v.Elem(), nil
	}
	if !v.IsValid() || v.Type() != d.typ {
		return reflect.Value{}, NewInvalidInstanceError(d.name, instance)
	}
	cp := reflect.New(d.typ).Elem()
	cp.Set(v)
	return cp, nil
}

type structField struct {
	desc  *StructDescriptor
	index []int
}

func (f *structField) Get(instance any) (any, error) {
	v, err := f.desc.addressable(instance)
	if err != nil {
		return nil, err
	}
	fv, err := v.FieldByIndexErr(f.index)
	if err != nil {
		return nil, err
	}
	if !fv.CanInterface() {
		fv = reflect.NewAt(fv.Type(), unsafe.Pointer(fv.UnsafeAddr())).Elem()
	}
	return fv.Interface(), nil
}

type structMethod struct {
	desc *StructDescriptor
	name string
}

func (m *structMethod) Invoke(instance any, args ...any) ([]any, error) {
	v, err := m.desc.addressable(instance)
	if err != nil {
		return nil, err
	}
	fn := v.Addr().MethodByName(m.name)
	if !fn.IsValid() {
		return nil, NewAbsentBindingError(m.desc.name, m.name)
	}
	ft := fn.Type()
	fixed := ft.NumIn()
	if ft.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return nil, fmt.Errorf("%s.%s: want at least %d arguments, got %d", m.desc.name, m.name, fixed, len(args))
		}
	} else if len(args) != fixed {
		return nil, fmt.Errorf("%s.%s: want %d arguments, got %d", m.desc.name, m.name, fixed, len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		want := ft.In(min(i, ft.NumIn()-1))
		if i >= fixed {
			want = want.Elem()
		}
		av, err := argumentValue(a, want)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: argument %d: %w", m.desc.name, m.name, i, err)
		}
		in[i] = av
	}
	out := fn.Call(in)
	res := make([]any, len(out))
	for i := range out {
		res[i] = out[i].Interface()
	}
	return res, nil
}

// argumentValue adapts a to parameter type want, converting between numeric
// kinds only when the value survives the conversion.
func argumentValue(a any, want reflect.Type) (reflect.Value, error) {
	if a == nil {
		switch want.Kind() {
		case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
			return reflect.Zero(want), nil
		}
		return reflect.Value{}, fmt.Errorf("nil for %s", want)
	}
	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(want) {
		return v, nil
	}
	if isNumeric(v.Kind()) && isNumeric(want.Kind()) {
		cv := v.Convert(want)
		negative := v.CanInt() && v.Int() < 0 || v.CanFloat() && v.Float() < 0
		if cv.Convert(v.Type()).Equal(v) && !(negative && cv.CanUint()) {
			return cv, nil
		}
		return reflect.Value{}, fmt.Errorf("%v does not fit %s", a, want)
	}
	if v.Kind() == want.Kind() && v.Type().ConvertibleTo(want) {
		return v.Convert(want), nil
	}
	return reflect.Value{}, fmt.Errorf("%T is not assignable to %s", a, want)
}

func isNumeric(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Float64
}

// RecordDescriptor describes map-shaped records (map[string]any) whose field
// set is only known at runtime, as delivered by a host over a bridge.
type RecordDescriptor struct {
	name   string
	fields map[string]struct{}
}

// DescribeRecord builds a descriptor for records carrying exactly fields.
func DescribeRecord(name string, fields ...string) *RecordDescriptor {
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return &RecordDescriptor{name: name, fields: set}
}

func (d *RecordDescriptor) TypeName() string { return d.name }

func (d *RecordDescriptor) LookupField(name string) (FieldAccessor, bool) {
	if _, ok := d.fields[name]; !ok {
		return nil, false
	}
	return recordField{typeName: d.name, name: name}, true
}

type recordField struct {
	typeName string
	name     string
}

func (f recordField) Get(instance any) (any, error) {
	m, ok := instance.(map[string]any)
	if !ok {
		return nil, NewInvalidInstanceError(f.typeName, instance)
	}
	return m[f.name], nil
}
