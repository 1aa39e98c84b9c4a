package appstore

import (
	"log"
	"sync"
)

// adapterFunc converts one raw JSON value into its semantic type. Adapters
// are pure: the converted value is re-derivable from the raw value at any
// time.
type adapterFunc func(value any) (any, error)

// fieldAdapter binds an adapter to the raw key it reads. An empty key means
// the field name itself.
type fieldAdapter struct {
	key     string
	convert adapterFunc
}

// schema is the immutable field classification for one entity type: opaque
// fields pass through untouched, adapter fields are converted, and the
// documented/undocumented sets drive the one-time diagnostics. A field name
// never appears in both opaque and adapters.
type schema struct {
	entity       string
	opaque       map[string]bool
	adapters     map[string]fieldAdapter
	documented   map[string]bool
	undocumented map[string]bool
}

func fieldSet(names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Process-wide warn-once registry. Created at startup, never reset outside of
// tests. Races duplicating a warning are harmless, so a lock-free sync.Map is
// enough.
var warnedFields sync.Map

var (
	warnMu   sync.RWMutex
	warnFunc = func(format string, args ...any) { log.Printf(format, args...) }
)

// SetWarnFunc redirects the one-time schema diagnostics, for example to a
// structured logger. Passing nil restores the stdlib default.
func SetWarnFunc(fn func(format string, args ...any)) {
	warnMu.Lock()
	defer warnMu.Unlock()
	if fn == nil {
		warnFunc = func(format string, args ...any) { log.Printf(format, args...) }
		return
	}
	warnFunc = fn
}

// ResetFieldWarnings clears the warn-once registry so each field may warn
// again. Intended for tests.
func ResetFieldWarnings() {
	warnedFields.Range(func(key, _ any) bool {
		warnedFields.Delete(key)
		return true
	})
}

func warnOnce(entity, field, format string, args ...any) {
	if _, dup := warnedFields.LoadOrStore(entity+"."+field, true); dup {
		return
	}
	warnMu.RLock()
	fn := warnFunc
	warnMu.RUnlock()
	fn(format, args...)
}

// warnFieldAccess emits the survivable diagnostics for reading key on an
// entity: one warning if the key is known but undocumented, a different one
// if it is in neither registry. Documented keys stay silent.
func (s *schema) warnFieldAccess(key string) {
	switch {
	case s.documented[key]:
	case s.undocumented[key]:
		warnOnce(s.entity, key, "appstore: field %q on %s is undocumented; it may change or disappear without notice", key, s.entity)
	default:
		warnOnce(s.entity, key, "appstore: field %q is not listed for %s; check the raw document for the actual receipt data", key, s.entity)
	}
}

// object is the lazy field mapper every receipt entity embeds. It owns the
// raw sub-document verbatim and memoizes converted values per instance.
type object struct {
	raw    map[string]any
	schema *schema

	mu    sync.Mutex
	cache map[string]any
}

func newObject(raw map[string]any, s *schema) *object {
	return &object{raw: raw, schema: s}
}

// RawDocument returns the backing document as received from the verification
// service. It must not be mutated.
func (o *object) RawDocument() map[string]any { return o.raw }

// Value is plain key lookup on the raw document. It bypasses adapters and
// never warns.
func (o *object) Value(key string) (any, bool) {
	v, ok := o.raw[key]
	return v, ok
}

// Has reports whether the raw document contains key.
func (o *object) Has(key string) bool {
	_, ok := o.raw[key]
	return ok
}

// Raw returns the untouched raw value for key, emitting the undocumented or
// unlisted diagnostic as appropriate. This is the escape hatch for callers
// that want the wire value of a classified field, or any field the schema
// does not know.
func (o *object) Raw(key string) (any, error) {
	v, ok := o.raw[key]
	if !ok {
		return nil, &MissingFieldError{Field: key}
	}
	o.schema.warnFieldAccess(key)
	return v, nil
}

func (o *object) cached(name string) (any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.cache[name]
	return v, ok
}

func (o *object) store(name string, v any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cache == nil {
		o.cache = make(map[string]any)
	}
	o.cache[name] = v
}

// memoize caches the first successful build of a derived value. Errors are
// not cached; a failed build is retried on the next access.
func (o *object) memoize(name string, build func() (any, error)) (any, error) {
	if v, ok := o.cached(name); ok {
		return v, nil
	}
	v, err := build()
	if err != nil {
		return nil, err
	}
	o.store(name, v)
	return v, nil
}

// Field resolves name through the entity schema. Opaque fields come back
// untouched, adapter fields converted; both are memoized. Names outside the
// schema fail with ErrFieldNotFound. Explicit methods on the concrete entity
// types take precedence over this lookup simply by existing.
func (o *object) Field(name string) (any, error) {
	if v, ok := o.cached(name); ok {
		return v, nil
	}

	if o.schema.opaque[name] {
		v, ok := o.raw[name]
		if !ok {
			return nil, &MissingFieldError{Field: name}
		}
		o.schema.warnFieldAccess(name)
		o.store(name, v)
		return v, nil
	}

	if a, ok := o.schema.adapters[name]; ok {
		key := a.key
		if key == "" {
			key = name
		}
		raw, ok := o.raw[key]
		if !ok {
			return nil, &MissingFieldError{Field: name}
		}
		o.schema.warnFieldAccess(key)
		v, err := a.convert(raw)
		if err != nil {
			if _, ok := err.(*MalformedFieldError); !ok {
				err = &MalformedFieldError{Field: name, Value: raw, Cause: err}
			}
			return nil, err
		}
		o.store(name, v)
		return v, nil
	}

	return nil, &FieldNotFoundError{Entity: o.schema.entity, Field: name}
}
