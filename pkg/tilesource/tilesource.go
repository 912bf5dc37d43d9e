// Package tilesource defines the tile command protocol every handler in the
// chain (cache, mipmap, swap, buffer backend) speaks: a closed set of
// commands dispatched as (command, x, y, z, data), with an untyped,
// command-specific result.
//
// A handler that does not recognise a command forwards it downstream
// instead of erroring, so a new command can be added without breaking
// handlers compiled against an older version of this package — the same
// forward-compatibility rule the chain this is grounded on relies on.
package tilesource

import (
	"context"

	"github.com/gegl-go/tilestore/internal/telemetry"
)

// Command identifies one of the closed set of operations a Source
// understands. The set is closed deliberately: adding a new value here is a
// module-wide change, while adding a new Source implementation that only
// understands a subset of Commands is not.
type Command int

const (
	// Get retrieves a tile at (x, y, z). Data is ignored. Result is a
	// ref-bumped *tile.Tile, or nil if no handler produced one.
	Get Command = iota

	// Set stores a tile at (x, y, z). Data is the *tile.Tile to store.
	// Result is always nil.
	Set

	// IsCached reports whether a tile is present in some cache handler's
	// table without forcing it to be faulted in. Data may carry an
	// optional mask; result is a *bool.
	IsCached

	// Exist reports whether a tile exists anywhere in the chain (cache or
	// backend). Data may carry an optional mask; result is a *bool.
	Exist

	// Idle asks a handler to do one increment of background work (e.g. one
	// cache wash cycle, one swap queue flush) and report whether it did
	// anything. Result is a *bool.
	Idle

	// Void discards a tile's contents without persisting them. Data may
	// carry an optional 64-bit damage mask (uint64); result is always nil.
	Void

	// Flush forces any buffered writes for (x, y, z) out to the next
	// handler immediately. Result is always nil.
	Flush

	// Refetch invalidates any handler-local copy of a tile so the next Get
	// re-reads it from downstream. Result is always nil.
	Refetch

	// Reinit resets a handler's entire state for the owning storage (clears
	// hash tables) — used when a storage's
	// geometry changes out from under existing tiles. Result is always
	// nil.
	Reinit

	// Copy duplicates tile data between two coordinates within the same
	// chain. Data is a CopyRequest; result is a *bool reporting success.
	Copy
)

// String renders the command name for logging.
func (c Command) String() string {
	switch c {
	case Get:
		return "GET"
	case Set:
		return "SET"
	case IsCached:
		return "IS_CACHED"
	case Exist:
		return "EXIST"
	case Idle:
		return "IDLE"
	case Void:
		return "VOID"
	case Flush:
		return "FLUSH"
	case Refetch:
		return "REFETCH"
	case Reinit:
		return "REINIT"
	case Copy:
		return "COPY"
	default:
		return "UNKNOWN"
	}
}

// CopyRequest is the Data payload for a Copy command.
type CopyRequest struct {
	SrcX, SrcY, SrcZ int
	DstX, DstY, DstZ int

	// Dst, if non-nil, names a destination Source in a different chain
	// (e.g. another buffer's backend) to copy into. Nil means "copy within
	// the chain handling this request", the common case of nested-buffer
	// sharing.
	Dst Source
}

// Request is one command dispatched to a Source.
type Request struct {
	Command Command
	X, Y, Z int
	Data    any
}

// Source is one link in a tile handler chain. Command implements the
// dispatch; Next returns the downstream source a handler forwards
// unrecognised (or deliberately pass-through) commands to, or nil at the
// chain's terminus.
type Source interface {
	Command(ctx context.Context, req Request) any
	Next() Source
}

// Dispatch is a convenience for building a Request and sending it through a
// Source, wrapped in a tile.command trace span tagging the command and
// coordinates. Tracing is a no-op unless internal/telemetry.Init was called
// with tracing enabled.
func Dispatch(ctx context.Context, s Source, cmd Command, x, y, z int, data any) any {
	ctx, span := telemetry.StartCommandSpan(ctx, cmd.String(), x, y, z)
	defer span.End()

	return s.Command(ctx, Request{Command: cmd, X: x, Y: y, Z: z, Data: data})
}

// Forward sends req to the next source in the chain, returning nil if there
// is none. Handlers that don't implement a given command call this from
// their Command method's default case.
func Forward(ctx context.Context, s Source, req Request) any {
	next := s.Next()
	if next == nil {
		return nil
	}
	return next.Command(ctx, req)
}

// Base is an embeddable helper that gives a handler a Next() implementation
// and a default Command dispatch forwarding everything downstream. Handlers
// embed Base and override Command, calling Base.Forward for anything they
// don't implement themselves.
type Base struct {
	next Source
}

// NewBase creates a Base forwarding to next (nil for a chain terminus).
func NewBase(next Source) Base {
	return Base{next: next}
}

// Next returns the downstream source.
func (b *Base) Next() Source { return b.next }

// SetNext rewires the downstream source, used when assembling or
// re-assembling a chain after construction.
func (b *Base) SetNext(next Source) { b.next = next }

// Forward sends req to the downstream source, or returns nil at a chain
// terminus. Equivalent to the package-level Forward but saves embedding
// handlers from having to thread `b` through by hand.
func (b *Base) Forward(ctx context.Context, req Request) any {
	if b.next == nil {
		return nil
	}
	return b.next.Command(ctx, req)
}

// Terminal is the default handler installed at the end of a chain that has
// no real backend configured (e.g. an in-memory-only buffer with swap
// disabled). It answers every command with the protocol's benign default,
// satisfying the forward-compatibility rule for any command introduced
// after this package was built.
type Terminal struct{}

// Command implements Source, returning the command-appropriate zero result.
func (Terminal) Command(_ context.Context, req Request) any {
	switch req.Command {
	case IsCached, Exist:
		result := false
		return &result
	case Idle:
		result := false
		return &result
	case Copy:
		result := false
		return &result
	default:
		return nil
	}
}

// Next always returns nil: Terminal is, definitionally, the end of a chain.
func (Terminal) Next() Source { return nil }
