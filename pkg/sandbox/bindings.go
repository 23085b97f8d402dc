package sandbox

import (
	"errors"
	"strings"

	"github.com/dop251/goja"

	"github.com/Mindburn-Labs/webproof/pkg/builder"
	"github.com/Mindburn-Labs/webproof/pkg/manifest"
)

// createManifestBuilder exposes builder.ManifestBuilder to scripts:
//
//	const b = createManifestBuilder(manifestJSON)
//	b.request.get("body"); b.request.getHeader("Authorization")
//	b.request.set("id", "42").set("token", t); b.request.compile()
//	b.appendDebugLog("..."); b.compile(); b.serialize(); b.substitutionFailures()
//
// Go errors surface as thrown JavaScript errors.
func createManifestBuilder(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		raw, err := messageText(vm, call.Argument(0))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		b, err := builder.New([]byte(raw))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return newBuilderObject(vm, b)
	}
}

func newBuilderObject(vm *goja.Runtime, b *builder.ManifestBuilder) *goja.Object {
	req := b.Request()
	resp := b.Response()

	reqObj := vm.NewObject()
	_ = reqObj.Set("get", getter(vm, req.Get))
	_ = reqObj.Set("getHeader", headerGetter(vm, req.Header))
	_ = reqObj.Set("set", func(call goja.FunctionCall) goja.Value {
		req.Set(call.Argument(0).String(), call.Argument(1).String())
		return call.This
	})
	_ = reqObj.Set("compile", func(goja.FunctionCall) goja.Value {
		raw, err := req.Compile()
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return mustParse(vm, raw)
	})

	respObj := vm.NewObject()
	_ = respObj.Set("get", getter(vm, resp.Get))
	_ = respObj.Set("getHeader", headerGetter(vm, resp.Header))
	_ = respObj.Set("set", func(call goja.FunctionCall) goja.Value {
		resp.Set(call.Argument(0).String(), call.Argument(1).String())
		return call.This
	})
	_ = respObj.Set("compile", func(goja.FunctionCall) goja.Value {
		return mustParse(vm, resp.Compile())
	})

	obj := vm.NewObject()
	_ = obj.Set("request", reqObj)
	_ = obj.Set("response", respObj)
	_ = obj.Set("appendDebugLog", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		b.AppendDebugLog(strings.Join(parts, " "))
		return goja.Undefined()
	})
	_ = obj.Set("compile", func(goja.FunctionCall) goja.Value {
		raw, err := b.CompileJSON()
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return mustParse(vm, raw)
	})
	_ = obj.Set("serialize", func(goja.FunctionCall) goja.Value {
		raw, err := b.CompileJSON()
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(string(raw))
	})
	_ = obj.Set("substitutionFailures", func(goja.FunctionCall) goja.Value {
		raw, err := manifest.Marshal(b.SubstitutionFailures())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return mustParse(vm, raw)
	})
	return obj
}

func getter(vm *goja.Runtime, get func(string) (manifest.Value, error)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		v, err := get(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		if v.Kind() == manifest.KindUndefined {
			return goja.Undefined()
		}
		raw, err := manifest.Marshal(v)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return mustParse(vm, raw)
	}
}

func headerGetter(vm *goja.Runtime, header func(string) (string, bool)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		v, ok := header(call.Argument(0).String())
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	}
}

// mustParse turns JSON text into native script values via JSON.parse.
func mustParse(vm *goja.Runtime, raw []byte) goja.Value {
	parse, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	if !ok {
		panic(vm.NewGoError(errors.New("JSON.parse unavailable")))
	}
	v, err := parse(goja.Undefined(), vm.ToValue(string(raw)))
	if err != nil {
		panic(vm.NewGoError(err))
	}
	return v
}
