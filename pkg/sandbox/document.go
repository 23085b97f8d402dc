package sandbox

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
)

// parseDocument exposes a read-only document handle built with goquery:
// querySelector, querySelectorAll, getElementById and the title,
// textContent and outerHTML properties.
func parseDocument(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		html := ""
		if a := call.Argument(0); !goja.IsUndefined(a) && !goja.IsNull(a) {
			html = a.String()
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return newDocumentObject(vm, doc)
	}
}

func newDocumentObject(vm *goja.Runtime, doc *goquery.Document) *goja.Object {
	obj := vm.NewObject()
	bindQueries(vm, obj, doc.Selection)

	_ = obj.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		match := doc.Find("[id]").FilterFunction(func(_ int, s *goquery.Selection) bool {
			v, _ := s.Attr("id")
			return v == id
		}).First()
		if match.Length() == 0 {
			return goja.Null()
		}
		return wrapElement(vm, match)
	})

	_ = obj.Set("title", strings.Join(strings.Fields(doc.Find("title").First().Text()), " "))
	_ = obj.Set("textContent", doc.Text())
	outer, err := doc.Html()
	if err != nil {
		outer = ""
	}
	_ = obj.Set("outerHTML", outer)
	return obj
}

func bindQueries(vm *goja.Runtime, obj *goja.Object, sel *goquery.Selection) {
	_ = obj.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		match := sel.Find(call.Argument(0).String()).First()
		if match.Length() == 0 {
			return goja.Null()
		}
		return wrapElement(vm, match)
	})
	_ = obj.Set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		var items []any
		sel.Find(call.Argument(0).String()).Each(func(_ int, s *goquery.Selection) {
			items = append(items, wrapElement(vm, s))
		})
		return vm.NewArray(items...)
	})
}

func wrapElement(vm *goja.Runtime, s *goquery.Selection) *goja.Object {
	el := vm.NewObject()
	bindQueries(vm, el, s)

	_ = el.Set("tagName", strings.ToUpper(goquery.NodeName(s)))
	id, _ := s.Attr("id")
	_ = el.Set("id", id)
	class, _ := s.Attr("class")
	_ = el.Set("className", class)
	_ = el.Set("textContent", s.Text())
	inner, err := s.Html()
	if err != nil {
		inner = ""
	}
	_ = el.Set("innerHTML", inner)
	outer, err := goquery.OuterHtml(s)
	if err != nil {
		outer = ""
	}
	_ = el.Set("outerHTML", outer)

	_ = el.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		v, ok := s.Attr(call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	})
	_ = el.Set("hasAttribute", func(call goja.FunctionCall) goja.Value {
		_, ok := s.Attr(call.Argument(0).String())
		return vm.ToValue(ok)
	})
	return el
}
