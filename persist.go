package fiber

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/joeycumines/go-fiber/continuation"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// persistVersion is the envelope format version.
const persistVersion = 1

// envelope field numbers
const (
	fieldVersion     protowire.Number = 1
	fieldID          protowire.Number = 2
	fieldName        protowire.Number = 3
	fieldBodyName    protowire.Number = 4
	fieldInterrupted protowire.Number = 5
	fieldFrame       protowire.Number = 6
	fieldWords       protowire.Number = 7
	fieldRef         protowire.Number = 8
)

// frame field numbers
const (
	fieldFrameEntry protowire.Number = 1
	fieldFrameSlots protowire.Number = 2
)

// ref field numbers, exactly one is present
const (
	fieldRefNil     protowire.Number = 1
	fieldRefString  protowire.Number = 2
	fieldRefBytes   protowire.Number = 3
	fieldRefInt64   protowire.Number = 4
	fieldRefFloat64 protowire.Number = 5
	fieldRefBool    protowire.Number = 6
	fieldRefAny     protowire.Number = 7
	fieldRefInt     protowire.Number = 8
)

var bodies sync.Map // string -> Body

// RegisterBody makes body available to Deserialize under name. Fibers that
// are to be serialized must be created with [WithBodyName]. Registering a
// name twice replaces the body.
func RegisterBody(name string, body Body) {
	if name == "" || body == nil {
		panic("fiber: RegisterBody requires a name and a body")
	}
	bodies.Store(name, body)
}

func lookupBody(name string) (Body, bool) {
	v, ok := bodies.Load(name)
	if !ok {
		return nil, false
	}
	return v.(Body), true
}

// Serialize encodes a parked fiber. The fiber must be parked without
// exclusivity and have a registered body name, and the values in its
// continuation stack's reference slots must be nil, string, []byte, int,
// int64, float64, bool, or a proto.Message whose type is registered.
//
// The fiber itself is unaffected. Wakeups that arrive while it is being
// encoded take effect once Serialize returns.
func Serialize(f *Fiber) ([]byte, error) {
	if !f.task.pin() {
		return nil, fmt.Errorf("%w: fiber %v is %v, not parked", ErrNotSerializable, f, f.task.state.load())
	}
	defer f.task.unpin()
	if info := f.task.info.Load(); info != nil && info.exclusive {
		return nil, fmt.Errorf("%w: fiber %v is parked exclusively", ErrNotSerializable, f)
	}
	if f.bodyName == "" {
		return nil, fmt.Errorf("%w: fiber %v has no body name", ErrNotSerializable, f)
	}
	if _, ok := lookupBody(f.bodyName); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBody, f.bodyName)
	}

	snap := f.stack.Snapshot()

	b := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, persistVersion)
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.id))
	if name := f.Name(); name != "" {
		b = protowire.AppendTag(b, fieldName, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	b = protowire.AppendTag(b, fieldBodyName, protowire.BytesType)
	b = protowire.AppendString(b, f.bodyName)
	if f.IsInterrupted() {
		b = protowire.AppendTag(b, fieldInterrupted, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}

	for _, fr := range snap.Frames {
		var m []byte
		m = protowire.AppendTag(m, fieldFrameEntry, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(fr.Entry))
		m = protowire.AppendTag(m, fieldFrameSlots, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(fr.Slots))
		b = protowire.AppendTag(b, fieldFrame, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}

	if len(snap.Words) != 0 {
		var packed []byte
		for _, w := range snap.Words {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(w))
		}
		b = protowire.AppendTag(b, fieldWords, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	for i, r := range snap.Refs {
		m, err := appendRef(nil, r)
		if err != nil {
			return nil, fmt.Errorf("%w: ref slot %d: %w", ErrNotSerializable, i, err)
		}
		b = protowire.AppendTag(b, fieldRef, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b, nil
}

func appendRef(b []byte, v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		b = protowire.AppendTag(b, fieldRefNil, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	case string:
		b = protowire.AppendTag(b, fieldRefString, protowire.BytesType)
		b = protowire.AppendString(b, v)
	case []byte:
		b = protowire.AppendTag(b, fieldRefBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	case int64:
		b = protowire.AppendTag(b, fieldRefInt64, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v))
	case int:
		b = protowire.AppendTag(b, fieldRefInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
	case float64:
		b = protowire.AppendTag(b, fieldRefFloat64, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	case bool:
		b = protowire.AppendTag(b, fieldRefBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v))
	case proto.Message:
		a, err := anypb.New(v)
		if err != nil {
			return nil, err
		}
		data, err := proto.Marshal(a)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldRefAny, protowire.BytesType)
		b = protowire.AppendBytes(b, data)
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
	return b, nil
}

// persistedFiber is a decoded envelope.
type persistedFiber struct {
	name        string
	bodyName    string
	snap        continuation.Snapshot
	id          int64
	version     uint64
	interrupted bool
}

var errMalformed = errors.New("fiber: malformed serialized fiber")

func decodeFiber(b []byte) (*persistedFiber, error) {
	var p persistedFiber
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			p.version = v
		case num == fieldID && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			p.id = int64(v)
		case num == fieldName && typ == protowire.BytesType:
			p.name, n = protowire.ConsumeString(b)
		case num == fieldBodyName && typ == protowire.BytesType:
			p.bodyName, n = protowire.ConsumeString(b)
		case num == fieldInterrupted && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			p.interrupted = protowire.DecodeBool(v)
		case num == fieldFrame && typ == protowire.BytesType:
			var m []byte
			if m, n = protowire.ConsumeBytes(b); n >= 0 {
				fr, err := decodeFrame(m)
				if err != nil {
					return nil, err
				}
				p.snap.Frames = append(p.snap.Frames, fr)
			}
		case num == fieldWords && typ == protowire.BytesType:
			var m []byte
			if m, n = protowire.ConsumeBytes(b); n >= 0 {
				for len(m) > 0 {
					v, k := protowire.ConsumeVarint(m)
					if k < 0 {
						return nil, fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(k))
					}
					p.snap.Words = append(p.snap.Words, protowire.DecodeZigZag(v))
					m = m[k:]
				}
			}
		case num == fieldRef && typ == protowire.BytesType:
			var m []byte
			if m, n = protowire.ConsumeBytes(b); n >= 0 {
				r, err := decodeRef(m)
				if err != nil {
					return nil, err
				}
				p.snap.Refs = append(p.snap.Refs, r)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %w", errMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if p.version != persistVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", errMalformed, p.version)
	}
	if p.bodyName == "" {
		return nil, fmt.Errorf("%w: missing body name", errMalformed)
	}
	return &p, nil
}

func decodeFrame(b []byte) (continuation.Frame, error) {
	var fr continuation.Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fr, fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
		} else {
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 && v > math.MaxInt32 {
				return fr, fmt.Errorf("%w: frame field %d out of range: %d", errMalformed, num, v)
			}
			switch num {
			case fieldFrameEntry:
				fr.Entry = int(v)
			case fieldFrameSlots:
				fr.Slots = int(v)
			}
		}
		if n < 0 {
			return fr, fmt.Errorf("%w: frame: %w", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return fr, nil
}

func decodeRef(b []byte) (any, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return nil, fmt.Errorf("%w: %w", errMalformed, protowire.ParseError(n))
	}
	b = b[n:]
	var v any
	switch {
	case num == fieldRefNil && typ == protowire.VarintType:
		_, n = protowire.ConsumeVarint(b)
	case num == fieldRefString && typ == protowire.BytesType:
		v, n = protowire.ConsumeString(b)
	case num == fieldRefBytes && typ == protowire.BytesType:
		var raw []byte
		raw, n = protowire.ConsumeBytes(b)
		v = append([]byte{}, raw...)
	case num == fieldRefInt64 && typ == protowire.VarintType:
		var u uint64
		u, n = protowire.ConsumeVarint(b)
		v = protowire.DecodeZigZag(u)
	case num == fieldRefInt && typ == protowire.VarintType:
		var u uint64
		u, n = protowire.ConsumeVarint(b)
		v = int(protowire.DecodeZigZag(u))
	case num == fieldRefFloat64 && typ == protowire.Fixed64Type:
		var u uint64
		u, n = protowire.ConsumeFixed64(b)
		v = math.Float64frombits(u)
	case num == fieldRefBool && typ == protowire.VarintType:
		var u uint64
		u, n = protowire.ConsumeVarint(b)
		v = protowire.DecodeBool(u)
	case num == fieldRefAny && typ == protowire.BytesType:
		var raw []byte
		if raw, n = protowire.ConsumeBytes(b); n >= 0 {
			var a anypb.Any
			if err := proto.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("%w: %w", errMalformed, err)
			}
			m, err := a.UnmarshalNew()
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrNotSerializable, err)
			}
			v = m
		}
	default:
		return nil, fmt.Errorf("%w: unknown ref field %d", errMalformed, num)
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: ref: %w", errMalformed, protowire.ParseError(n))
	}
	return v, nil
}

// Deserialize rebuilds a serialized fiber, parked, on the scheduler selected
// by opts (see [New]). It has a fresh id, and keeps its serialized name
// unless WithName is given. [Fiber.Unpark] resumes it: its body runs again
// from the top with the continuation stack in replay mode.
func Deserialize(data []byte, opts ...Option) (*Fiber, error) {
	p, err := decodeFiber(data)
	if err != nil {
		return nil, err
	}
	body, ok := lookupBody(p.bodyName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBody, p.bodyName)
	}
	cfg, err := resolveFiberOptions(opts)
	if err != nil {
		return nil, err
	}
	if cfg.name == "" {
		cfg.name = p.name
	}
	cfg.bodyName = p.bodyName
	sched := cfg.scheduler
	if sched == nil {
		sched = DefaultScheduler()
	}

	f := newFiber(fiberIDs.Add(1), body, sched, cfg)
	f.parent = cfg.parent
	if err := f.stack.Restore(p.snap); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformed, err)
	}
	f.interrupted.Store(p.interrupted)
	f.task.info.Store(&blockerInfo{})
	f.task.epoch.Store(1)
	f.task.state.store(parkParked)
	f.state.store(StateWaiting)
	sched.track(f, true)

	if b := sched.Logger().Debug(); b != nil {
		fiberFields(b, f).
			Int64("restored_from", p.id).
			Str("body", p.bodyName).
			Int("frames", len(p.snap.Frames)).
			Log("fiber: deserialized")
	}
	return f, nil
}
