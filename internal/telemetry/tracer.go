package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for tile command spans.
const (
	AttrCommand    = "tile.command"
	AttrX          = "tile.x"
	AttrY          = "tile.y"
	AttrZ          = "tile.z"
	AttrCacheHit   = "cache.hit"
	AttrBytes      = "tile.bytes"
	AttrHandlerTag = "tile.handler"
)

// Span names for the tile command chain.
const (
	SpanDispatch  = "tile.command"
	SpanCacheWash = "cache.wash"
	SpanCacheTrim = "cache.trim"
	SpanSwapWrite = "swap.write"
	SpanSwapRead  = "swap.read"
)

// CommandName returns an attribute naming the dispatched command.
func CommandName(cmd string) attribute.KeyValue {
	return attribute.String(AttrCommand, cmd)
}

// Coordinates returns the (x, y, z) attributes for a tile command.
func Coordinates(x, y, z int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrX, x),
		attribute.Int(AttrY, y),
		attribute.Int(AttrZ, z),
	}
}

// CacheHit returns an attribute reporting whether a GET was served from
// cache without faulting a tile in from downstream.
func CacheHit(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrCacheHit, hit)
}

// Bytes returns an attribute for a tile payload size.
func Bytes(n int) attribute.KeyValue {
	return attribute.Int(AttrBytes, n)
}

// HandlerTag returns an attribute naming which handler in the chain
// produced a span (cache, zoom, swap, terminal).
func HandlerTag(name string) attribute.KeyValue {
	return attribute.String(AttrHandlerTag, name)
}

// StartCommandSpan starts a span for a command dispatched to a tile source
// chain, tagging it with the command name and tile coordinates.
func StartCommandSpan(ctx context.Context, cmd string, x, y, z int) (context.Context, trace.Span) {
	attrs := append([]attribute.KeyValue{CommandName(cmd)}, Coordinates(x, y, z)...)
	return StartSpan(ctx, SpanDispatch, trace.WithAttributes(attrs...))
}
