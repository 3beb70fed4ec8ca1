package schema

import (
	"reflect"
	"time"
)

// FieldValue reads the Go value backing col out of entity via the field
// path captured at Build time.
func FieldValue(entity any, col *ColumnDef) any {
	v := reflect.ValueOf(entity)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	for _, i := range col.FieldIndex {
		v = v.Field(i)
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		return v.Elem().Interface()
	}
	return v.Interface()
}

// SetFieldValue writes v into col's backing field on entityPtr (which must
// be a pointer to the entity struct).
func SetFieldValue(entityPtr any, col *ColumnDef, v any) {
	rv := reflect.ValueOf(entityPtr).Elem()
	for _, i := range col.FieldIndex {
		rv = rv.Field(i)
	}
	if v == nil {
		rv.Set(reflect.Zero(rv.Type()))
		return
	}
	rvv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		ptr := reflect.New(rv.Type().Elem())
		ptr.Elem().Set(rvv.Convert(rv.Type().Elem()))
		rv.Set(ptr)
		return
	}
	rv.Set(rvv.Convert(rv.Type()))
}

// SetID writes the logical key onto entityPtr's embedded Base.Id.
func SetID(entityPtr any, id string) {
	rv := reflect.ValueOf(entityPtr).Elem().FieldByName("Id")
	rv.SetString(id)
}

// SetVersion writes the version onto entityPtr's embedded Base.Version.
func SetVersion(entityPtr any, version int64) {
	rv := reflect.ValueOf(entityPtr).Elem().FieldByName("Version")
	rv.SetInt(version)
}

// GetVersion reads entityPtr's embedded Base.Version.
func GetVersion(entity any) int64 {
	v := reflect.ValueOf(entity)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	return v.FieldByName("Version").Int()
}

// SetTimestamps writes CreatedTime/LastWriteTime onto entityPtr.
func SetTimestamps(entityPtr any, created, lastWrite time.Time) {
	rv := reflect.ValueOf(entityPtr).Elem()
	rv.FieldByName("CreatedTime").Set(reflect.ValueOf(created))
	rv.FieldByName("LastWriteTime").Set(reflect.ValueOf(lastWrite))
}

// GetTimestamps reads CreatedTime/LastWriteTime from entity.
func GetTimestamps(entity any) (created, lastWrite time.Time) {
	v := reflect.ValueOf(entity)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	created = v.FieldByName("CreatedTime").Interface().(time.Time)
	lastWrite = v.FieldByName("LastWriteTime").Interface().(time.Time)
	return
}

// SetDeleted flips the embedded Base.IsDeleted flag.
func SetDeleted(entityPtr any, deleted bool) {
	reflect.ValueOf(entityPtr).Elem().FieldByName("IsDeleted").SetBool(deleted)
}

// IsDeleted reads the embedded Base.IsDeleted flag.
func IsDeleted(entity any) bool {
	v := reflect.ValueOf(entity)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	return v.FieldByName("IsDeleted").Bool()
}

// Clone performs a shallow copy of entity, used when the write pipeline
// needs to append a new version row cloned from the current head. T is
// always a pointer to the entity struct, so copying the pointer value
// itself would alias the original's pointee; Clone instead allocates a new
// struct and copies the pointed-to value into it.
func Clone[T any](entity T) T {
	v := reflect.ValueOf(entity)
	if v.Kind() == reflect.Pointer {
		out := reflect.New(v.Elem().Type())
		out.Elem().Set(v.Elem())
		return out.Interface().(T)
	}
	out := reflect.New(v.Type()).Elem()
	out.Set(v)
	return out.Interface().(T)
}
