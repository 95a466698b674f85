package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("handler is not a function")
	ErrMustReturnError     = errors.New("handler must return error as its last value")
	ErrMustHaveContext     = errors.New("handler must take context.Context as its first argument")
	ErrTooManyReturnValues = errors.New("handler returns too many values")

	ErrTooManyArguments = errors.New("too many arguments")
)

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// methodHandler wraps a registered handler function with the reflected
// argument and return types needed to call it from decoded JSON params.
type methodHandler struct {
	in  []reflect.Type
	out []reflect.Type
	fn  any
}

// newMethodHandler validates the handler's shape: func(ctx, args...) error or
// func(ctx, args...) (T, error).
func newMethodHandler(fn interface{}) (methodHandler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}

	in := make([]reflect.Type, fnType.NumIn())
	for i := range in {
		in[i] = fnType.In(i)
	}
	if len(in) == 0 || in[0] != ctxType {
		return methodHandler{}, ErrMustHaveContext
	}

	out := make([]reflect.Type, fnType.NumOut())
	for i := range out {
		out[i] = fnType.Out(i)
	}
	if len(out) == 0 || !out[len(out)-1].Implements(errType) {
		return methodHandler{}, ErrMustReturnError
	}
	if len(out) > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}

	return methodHandler{in, out, fn}, nil
}

func (h methodHandler) call(ctx context.Context, params []json.RawMessage) (any, error) {
	args, err := decodeParams(h.in[1:], params)
	if err != nil {
		return nil, err
	}
	args = append([]reflect.Value{reflect.ValueOf(ctx)}, args...)

	results := reflect.ValueOf(h.fn).Call(args)

	var callErr error
	if last := results[len(results)-1]; !last.IsNil() {
		errVal, ok := last.Interface().(error)
		if !ok {
			return nil, ErrMustReturnError
		}
		callErr = errVal
	}
	if len(results) == 1 {
		return nil, callErr
	}
	return results[0].Interface(), callErr
}

// decodeParams unmarshals a JSON-RPC params array into the handler's argument
// types. Missing trailing params decode as zero values.
func decodeParams(in []reflect.Type, params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(in) {
		return nil, ErrTooManyArguments
	}

	args := make([]reflect.Value, len(in))
	for i, argType := range in {
		arg := reflect.New(argType)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, err
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}
