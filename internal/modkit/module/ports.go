package module

import "reflect"

// PortsOf finds a T in m.Ports(): the bundle itself, or the first exported
// field of a struct bundle that holds one
func PortsOf[T any](m Module) (T, bool) {
	var zero T
	p := m.Ports()
	if v, ok := p.(T); ok {
		return v, true
	}
	rv := reflect.ValueOf(p)
	if rv.Kind() != reflect.Struct {
		return zero, false
	}
	for i := range rv.NumField() {
		if !rv.Type().Field(i).IsExported() {
			continue
		}
		if v, ok := rv.Field(i).Interface().(T); ok {
			return v, true
		}
	}
	return zero, false
}

// MustPortsOf is PortsOf for wiring code, where a missing port is a bug
func MustPortsOf[T any](m Module) T {
	v, ok := PortsOf[T](m)
	if !ok {
		panic("module " + m.Name() + ": no port of the requested type")
	}
	return v
}
