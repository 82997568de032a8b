package gstengine

// #cgo pkg-config: gstreamer-1.0
// #include <gst/gst.h>
import "C"

import (
	"unsafe"

	"github.com/tinyzimmer/go-gst/gst"
)

// go-gst does not bind gst_element_set_context or
// gst_message_parse_context_type.

// setElementContext hands ctx to el. The element takes its own reference.
func setElementContext(el *gst.Element, ctx *gst.Context) {
	C.gst_element_set_context(
		(*C.GstElement)(el.Unsafe()),
		(*C.GstContext)(unsafe.Pointer(ctx.Instance())),
	)
}

// messageContextType returns the context type a need-context message asks for.
func messageContextType(msg *gst.Message) (string, bool) {
	var ctxType *C.gchar
	if C.gst_message_parse_context_type((*C.GstMessage)(unsafe.Pointer(msg.Instance())), &ctxType) == C.FALSE {
		return "", false
	}
	return C.GoString((*C.char)(unsafe.Pointer(ctxType))), true
}
