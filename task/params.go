package task

import (
	"bytes"
	"fmt"
	"sync"

	codec "github.com/hashicorp/go-msgpack/v2/codec"
)

// LazyParam is materialised inside the execution environment the body
// actually runs in — never in the dispatcher — so resources it opens
// belong to the worker. Only valid for main/thread execution: a Go
// closure cannot cross a process boundary, so it cannot be named as a
// "process" task's parameter; use ProcessLazyParam there instead.
type LazyParam func() (interface{}, error)

// ProcessLazyParam names a factory previously registered with
// RegisterParamFactory. A process-mode worker resolves the same
// factory by name in its own address space, since the closure itself
// cannot be shipped across the process boundary.
type ProcessLazyParam string

var (
	paramRegistryMu sync.RWMutex
	paramRegistry   = map[string]LazyParam{}
)

// RegisterParamFactory makes a LazyParam addressable by key for
// process-mode tasks, mirroring RegisterBody's discriminator-string
// registry (§9 design note) rather than relying on code mobility Go
// doesn't have.
func RegisterParamFactory(key string, factory LazyParam) {
	paramRegistryMu.Lock()
	defer paramRegistryMu.Unlock()
	paramRegistry[key] = factory
}

func lookupParamFactory(key string) (LazyParam, bool) {
	paramRegistryMu.RLock()
	defer paramRegistryMu.RUnlock()
	f, ok := paramRegistry[key]
	return f, ok
}

// Params is a materialisable mapping of name to value passed into a
// task's body. Values may be plain or a LazyParam/ProcessLazyParam.
type Params map[string]interface{}

// Materialize evaluates every lazy value. Called from inside the
// execution environment (inline backend, or the reconstructed worker
// process), never from the dispatcher.
func (p Params) Materialize() (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		switch val := v.(type) {
		case LazyParam:
			mv, err := val()
			if err != nil {
				return nil, fmt.Errorf("task: materialize param %q: %w", k, err)
			}
			out[k] = mv
		case ProcessLazyParam:
			factory, ok := lookupParamFactory(string(val))
			if !ok {
				return nil, fmt.Errorf("task: no registered param factory %q", val)
			}
			mv, err := factory()
			if err != nil {
				return nil, fmt.Errorf("task: materialize param %q: %w", k, err)
			}
			out[k] = mv
		default:
			out[k] = v
		}
	}
	return out, nil
}

// encodeForTransport msgpack-encodes the subset of p that can cross a
// process boundary. A raw LazyParam closure cannot, and is rejected —
// callers should register it via RegisterParamFactory and reference it
// as a ProcessLazyParam instead.
func (p Params) encodeForTransport() ([]byte, error) {
	plain := make(map[string]interface{}, len(p))
	for k, v := range p {
		if _, ok := v.(LazyParam); ok {
			return nil, fmt.Errorf("task: param %q is an in-process closure and cannot cross a process boundary", k)
		}
		plain[k] = v
	}
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(plain); err != nil {
		return nil, fmt.Errorf("task: encode params: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeParamsFromTransport(data []byte) (Params, error) {
	if len(data) == 0 {
		return Params{}, nil
	}
	var raw map[string]interface{}
	var handle codec.MsgpackHandle
	handle.RawToString = true
	dec := codec.NewDecoder(bytes.NewReader(data), &handle)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("task: decode params: %w", err)
	}
	return Params(raw), nil
}
