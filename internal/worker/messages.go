package worker

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Source tags every message the worker posts to pages.
const Source = "sw"

// Worker to page.
const (
	TypeReady       = "SW_READY"
	TypePageUpdated = "PAGE_UPDATED"
	TypeError       = "SW_ERROR"
	TypePerformance = "SW_PERFORMANCE"
	TypeCleared     = "SW_CLEARED"
)

// Page to worker.
const (
	TypeSkipWaiting = "SKIP_WAITING"
	TypePrefetchURL = "PREFETCH_URL"
	TypeHardClear   = "SW_HARD_CLEAR"
)

// Envelope is the part every message shares on the wire.
type Envelope struct {
	Type   string `json:"type"`
	Source string `json:"source,omitempty"`
}

// Outbound is a message posted by the worker to open pages.
type Outbound interface {
	Type() string
	outbound()
}

type Ready struct {
	Version string `json:"version"`
}

type PageUpdated struct {
	URL string `json:"url"`
}

// Failure is posted when a fetch falls back because the network failed.
type Failure struct {
	Error ErrorKind `json:"error"`
	URL   string    `json:"url"`
}

type Performance struct {
	HitRate          float64 `json:"hitRate"`
	CacheHits        uint64  `json:"cacheHits"`
	CacheMisses      uint64  `json:"cacheMisses"`
	NetworkFallbacks uint64  `json:"networkFallbacks"`
	Errors           uint64  `json:"errors"`
}

type Cleared struct{}

func (Ready) Type() string       { return TypeReady }
func (PageUpdated) Type() string { return TypePageUpdated }
func (Failure) Type() string     { return TypeError }
func (Performance) Type() string { return TypePerformance }
func (Cleared) Type() string     { return TypeCleared }

func (Ready) outbound()       {}
func (PageUpdated) outbound() {}
func (Failure) outbound()     {}
func (Performance) outbound() {}
func (Cleared) outbound()     {}

func EncodeOutbound(m Outbound) ([]byte, error) {
	env := Envelope{Type: m.Type(), Source: Source}
	switch m := m.(type) {
	case Ready:
		return sonic.Marshal(struct {
			Envelope
			Ready
		}{env, m})
	case PageUpdated:
		return sonic.Marshal(struct {
			Envelope
			PageUpdated
		}{env, m})
	case Failure:
		return sonic.Marshal(struct {
			Envelope
			Failure
		}{env, m})
	case Performance:
		return sonic.Marshal(struct {
			Envelope
			Performance
		}{env, m})
	case Cleared:
		return sonic.Marshal(env)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
}

func DecodeOutbound(b []byte) (Outbound, error) {
	var env Envelope
	if err := sonic.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch env.Type {
	case TypeReady:
		return asOutbound(decodeAs[Ready](b))
	case TypePageUpdated:
		return asOutbound(decodeAs[PageUpdated](b))
	case TypeError:
		return asOutbound(decodeAs[Failure](b))
	case TypePerformance:
		return asOutbound(decodeAs[Performance](b))
	case TypeCleared:
		return Cleared{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// Inbound is a message posted by a page to the worker. Handlers implement
// InboundVisitor, so adding a message type breaks every handler that does
// not deal with it.
type Inbound interface {
	Type() string
	Accept(v InboundVisitor)
}

type InboundVisitor interface {
	VisitSkipWaiting(SkipWaiting)
	VisitPrefetchURL(PrefetchURL)
	VisitHardClear(HardClear)
}

type SkipWaiting struct{}

type PrefetchURL struct {
	URL string `json:"url"`
}

type HardClear struct{}

func (SkipWaiting) Type() string { return TypeSkipWaiting }
func (PrefetchURL) Type() string { return TypePrefetchURL }
func (HardClear) Type() string   { return TypeHardClear }

func (m SkipWaiting) Accept(v InboundVisitor) { v.VisitSkipWaiting(m) }
func (m PrefetchURL) Accept(v InboundVisitor) { v.VisitPrefetchURL(m) }
func (m HardClear) Accept(v InboundVisitor)   { v.VisitHardClear(m) }

func EncodeInbound(m Inbound) ([]byte, error) {
	env := Envelope{Type: m.Type()}
	switch m := m.(type) {
	case PrefetchURL:
		return sonic.Marshal(struct {
			Envelope
			PrefetchURL
		}{env, m})
	case SkipWaiting, HardClear:
		return sonic.Marshal(env)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
}

func DecodeInbound(b []byte) (Inbound, error) {
	var env Envelope
	if err := sonic.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch env.Type {
	case TypeSkipWaiting:
		return SkipWaiting{}, nil
	case TypePrefetchURL:
		m, err := decodeAs[PrefetchURL](b)
		if err != nil {
			return nil, err
		}
		if m.URL == "" {
			return nil, fmt.Errorf("decode message: %s without url", TypePrefetchURL)
		}
		return m, nil
	case TypeHardClear:
		return HardClear{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

func decodeAs[T any](b []byte) (T, error) {
	var m T
	if err := sonic.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

func asOutbound[T Outbound](m T, err error) (Outbound, error) {
	if err != nil {
		return nil, err
	}
	return m, nil
}
